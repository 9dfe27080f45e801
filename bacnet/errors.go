// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrTimeout          = errors.New("bacnet: request timeout")
	ErrCancelled        = errors.New("bacnet: request cancelled")
	ErrInvalidTag       = errors.New("bacnet: invalid tag")
	ErrDecoding         = errors.New("bacnet: decoding error")
	ErrEncoding         = errors.New("bacnet: encoding error")
	ErrTooManyArguments = errors.New("bacnet: too many arguments")
	ErrInvalidAPDU      = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU      = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLL      = errors.New("bacnet: invalid BVLL frame")
	ErrInvalidAddress   = errors.New("bacnet: invalid address")
	ErrUnknownRoute     = errors.New("bacnet: no route to destination")
	ErrConfiguration    = errors.New("bacnet: configuration error")
	ErrDeviceNotFound   = errors.New("bacnet: device not found")
	ErrDuplicateInvoke  = errors.New("bacnet: no free invoke ID for peer")
	ErrNotRunning       = errors.New("bacnet: stack not running")
)

// ErrorClass represents BACnet error classes.
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// ErrorCode represents BACnet error codes.
type ErrorCode uint16

const (
	ErrorCodeOther                    ErrorCode = 0
	ErrorCodeConfigurationInProgress  ErrorCode = 2
	ErrorCodeDeviceBusy               ErrorCode = 3
	ErrorCodeInconsistentParameters   ErrorCode = 7
	ErrorCodeInvalidDataType          ErrorCode = 9
	ErrorCodeMissingRequiredParameter ErrorCode = 16
	ErrorCodeNoObjectsOfSpecifiedType ErrorCode = 17
	ErrorCodePropertyIsNotAList       ErrorCode = 22
	ErrorCodeOperationalProblem       ErrorCode = 25
	ErrorCodeReadAccessDenied         ErrorCode = 27
	ErrorCodeServiceRequestDenied     ErrorCode = 29
	ErrorCodeUnknownObject            ErrorCode = 31
	ErrorCodeUnknownProperty          ErrorCode = 32
	ErrorCodeUnknownSubscription      ErrorCode = 33
	ErrorCodeValueOutOfRange          ErrorCode = 37
	ErrorCodeWriteAccessDenied        ErrorCode = 40
	ErrorCodeInvalidArrayIndex        ErrorCode = 42
	ErrorCodeCovSubscriptionFailed    ErrorCode = 43
	ErrorCodeNotCovProperty           ErrorCode = 44
	ErrorCodeDatatypeNotSupported     ErrorCode = 47
	ErrorCodePropertyIsNotAnArray     ErrorCode = 50
	ErrorCodeUnknownDevice            ErrorCode = 70
	ErrorCodeUnknownRoute             ErrorCode = 71
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                    "other",
		ErrorCodeConfigurationInProgress:  "configuration-in-progress",
		ErrorCodeDeviceBusy:               "device-busy",
		ErrorCodeInconsistentParameters:   "inconsistent-parameters",
		ErrorCodeInvalidDataType:          "invalid-data-type",
		ErrorCodeMissingRequiredParameter: "missing-required-parameter",
		ErrorCodeNoObjectsOfSpecifiedType: "no-objects-of-specified-type",
		ErrorCodePropertyIsNotAList:       "property-is-not-a-list",
		ErrorCodeOperationalProblem:       "operational-problem",
		ErrorCodeReadAccessDenied:         "read-access-denied",
		ErrorCodeServiceRequestDenied:     "service-request-denied",
		ErrorCodeUnknownObject:            "unknown-object",
		ErrorCodeUnknownProperty:          "unknown-property",
		ErrorCodeUnknownSubscription:      "unknown-subscription",
		ErrorCodeValueOutOfRange:          "value-out-of-range",
		ErrorCodeWriteAccessDenied:        "write-access-denied",
		ErrorCodeInvalidArrayIndex:        "invalid-array-index",
		ErrorCodeCovSubscriptionFailed:    "cov-subscription-failed",
		ErrorCodeNotCovProperty:           "not-cov-property",
		ErrorCodeDatatypeNotSupported:     "datatype-not-supported",
		ErrorCodePropertyIsNotAnArray:     "property-is-not-an-array",
		ErrorCodeUnknownDevice:            "unknown-device",
		ErrorCodeUnknownRoute:             "unknown-route",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", e)
}

// Error is a BACnet execution error: the (class, code) pair carried by an
// Error PDU. Service handlers return it to have the stack answer a confirmed
// request with an Error PDU.
type Error struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewError creates an execution error.
func NewError(class ErrorClass, code ErrorCode) *Error {
	return &Error{Class: class, Code: code}
}

// RejectReason represents BACnet reject reasons (Clause 18.8).
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// RejectError is a protocol-violating request answered (or received) as a
// Reject PDU.
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons (Clause 18.9).
type AbortReason uint8

const (
	AbortReasonOther                        AbortReason = 0
	AbortReasonBufferOverflow               AbortReason = 1
	AbortReasonInvalidApduInThisState       AbortReason = 2
	AbortReasonPreemptedByHigherPriority    AbortReason = 3
	AbortReasonSegmentationNotSupported     AbortReason = 4
	AbortReasonSecurityError                AbortReason = 5
	AbortReasonInsufficientSecurity         AbortReason = 6
	AbortReasonWindowSizeOutOfRange         AbortReason = 7
	AbortReasonApplicationExceededReplyTime AbortReason = 8
	AbortReasonOutOfResources               AbortReason = 9
	AbortReasonTSMTimeout                   AbortReason = 10
	AbortReasonAPDUTooLong                  AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                        "other",
		AbortReasonBufferOverflow:               "buffer-overflow",
		AbortReasonInvalidApduInThisState:       "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriority:    "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:     "segmentation-not-supported",
		AbortReasonSecurityError:                "security-error",
		AbortReasonInsufficientSecurity:         "insufficient-security",
		AbortReasonWindowSizeOutOfRange:         "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime: "application-exceeded-reply-time",
		AbortReasonOutOfResources:               "out-of-resources",
		AbortReasonTSMTimeout:                   "tsm-timeout",
		AbortReasonAPDUTooLong:                  "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// AbortError is a transaction-abandoning condition answered (or received) as
// an Abort PDU.
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDeviceNotFound reports whether err indicates an unknown device.
func IsDeviceNotFound(err error) bool {
	if errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code == ErrorCodeUnknownDevice || be.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsAccessDenied reports whether err indicates a read or write access denial.
func IsAccessDenied(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == ErrorCodeReadAccessDenied || be.Code == ErrorCodeWriteAccessDenied
	}
	return false
}
