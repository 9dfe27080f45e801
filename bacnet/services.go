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

import "fmt"

// PDUType is the APDU type nibble (high nibble of the first APDU octet).
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (t PDUType) String() string {
	names := map[PDUType]string{
		PDUTypeConfirmedRequest:   "confirmed-request",
		PDUTypeUnconfirmedRequest: "unconfirmed-request",
		PDUTypeSimpleAck:          "simple-ack",
		PDUTypeComplexAck:         "complex-ack",
		PDUTypeSegmentAck:         "segment-ack",
		PDUTypeError:              "error",
		PDUTypeReject:             "reject",
		PDUTypeAbort:              "abort",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("pdu-type(%#02x)", uint8(t))
}

// ConfirmedServiceChoice identifies confirmed application services.
type ConfirmedServiceChoice uint8

const (
	ServiceAcknowledgeAlarm           ConfirmedServiceChoice = 0
	ServiceConfirmedCOVNotification   ConfirmedServiceChoice = 1
	ServiceConfirmedEventNotification ConfirmedServiceChoice = 2
	ServiceGetAlarmSummary            ConfirmedServiceChoice = 3
	ServiceGetEnrollmentSummary       ConfirmedServiceChoice = 4
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceAtomicReadFile             ConfirmedServiceChoice = 6
	ServiceAtomicWriteFile            ConfirmedServiceChoice = 7
	ServiceAddListElement             ConfirmedServiceChoice = 8
	ServiceRemoveListElement          ConfirmedServiceChoice = 9
	ServiceCreateObject               ConfirmedServiceChoice = 10
	ServiceDeleteObject               ConfirmedServiceChoice = 11
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple      ConfirmedServiceChoice = 16
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceConfirmedPrivateTransfer   ConfirmedServiceChoice = 18
	ServiceConfirmedTextMessage       ConfirmedServiceChoice = 19
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
	ServiceVTOpen                     ConfirmedServiceChoice = 21
	ServiceVTClose                    ConfirmedServiceChoice = 22
	ServiceVTData                     ConfirmedServiceChoice = 23
	ServiceReadRange                  ConfirmedServiceChoice = 26
	ServiceLifeSafetyOperation        ConfirmedServiceChoice = 27
	ServiceSubscribeCOVProperty       ConfirmedServiceChoice = 28
	ServiceGetEventInformation        ConfirmedServiceChoice = 29
)

func (s ConfirmedServiceChoice) String() string {
	names := map[ConfirmedServiceChoice]string{
		ServiceAcknowledgeAlarm:           "AcknowledgeAlarm",
		ServiceConfirmedCOVNotification:   "ConfirmedCOVNotification",
		ServiceConfirmedEventNotification: "ConfirmedEventNotification",
		ServiceGetAlarmSummary:            "GetAlarmSummary",
		ServiceGetEnrollmentSummary:       "GetEnrollmentSummary",
		ServiceSubscribeCOV:               "SubscribeCOV",
		ServiceAtomicReadFile:             "AtomicReadFile",
		ServiceAtomicWriteFile:            "AtomicWriteFile",
		ServiceAddListElement:             "AddListElement",
		ServiceRemoveListElement:          "RemoveListElement",
		ServiceCreateObject:               "CreateObject",
		ServiceDeleteObject:               "DeleteObject",
		ServiceReadProperty:               "ReadProperty",
		ServiceReadPropertyMultiple:       "ReadPropertyMultiple",
		ServiceWriteProperty:              "WriteProperty",
		ServiceWritePropertyMultiple:      "WritePropertyMultiple",
		ServiceDeviceCommunicationControl: "DeviceCommunicationControl",
		ServiceConfirmedPrivateTransfer:   "ConfirmedPrivateTransfer",
		ServiceConfirmedTextMessage:       "ConfirmedTextMessage",
		ServiceReinitializeDevice:         "ReinitializeDevice",
		ServiceVTOpen:                     "VTOpen",
		ServiceVTClose:                    "VTClose",
		ServiceVTData:                     "VTData",
		ServiceReadRange:                  "ReadRange",
		ServiceLifeSafetyOperation:        "LifeSafetyOperation",
		ServiceSubscribeCOVProperty:       "SubscribeCOVProperty",
		ServiceGetEventInformation:        "GetEventInformation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// UnconfirmedServiceChoice identifies unconfirmed application services.
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                          UnconfirmedServiceChoice = 0
	ServiceIHave                        UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification   UnconfirmedServiceChoice = 2
	ServiceUnconfirmedEventNotification UnconfirmedServiceChoice = 3
	ServiceUnconfirmedPrivateTransfer   UnconfirmedServiceChoice = 4
	ServiceUnconfirmedTextMessage       UnconfirmedServiceChoice = 5
	ServiceTimeSynchronization          UnconfirmedServiceChoice = 6
	ServiceWhoHas                       UnconfirmedServiceChoice = 7
	ServiceWhoIs                        UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization       UnconfirmedServiceChoice = 9
	ServiceWriteGroup                   UnconfirmedServiceChoice = 10
)

func (s UnconfirmedServiceChoice) String() string {
	names := map[UnconfirmedServiceChoice]string{
		ServiceIAm:                          "I-Am",
		ServiceIHave:                        "I-Have",
		ServiceUnconfirmedCOVNotification:   "UnconfirmedCOVNotification",
		ServiceUnconfirmedEventNotification: "UnconfirmedEventNotification",
		ServiceUnconfirmedPrivateTransfer:   "UnconfirmedPrivateTransfer",
		ServiceUnconfirmedTextMessage:       "UnconfirmedTextMessage",
		ServiceTimeSynchronization:          "TimeSynchronization",
		ServiceWhoHas:                       "Who-Has",
		ServiceWhoIs:                        "Who-Is",
		ServiceUTCTimeSynchronization:       "UTCTimeSynchronization",
		ServiceWriteGroup:                   "WriteGroup",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}
