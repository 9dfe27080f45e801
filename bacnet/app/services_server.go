package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// confirmedHandler executes one confirmed service and returns the response
// frame, or an error to be mapped onto an Error/Reject/Abort PDU.
type confirmedHandler func(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error)

// confirmedHandlers is the static dispatch table keyed by service choice.
var confirmedHandlers = map[bacnet.ConfirmedServiceChoice]confirmedHandler{
	bacnet.ServiceReadProperty:               handleReadProperty,
	bacnet.ServiceWriteProperty:              handleWriteProperty,
	bacnet.ServiceReadPropertyMultiple:       handleReadPropertyMultiple,
	bacnet.ServiceWritePropertyMultiple:      handleWritePropertyMultiple,
	bacnet.ServiceReadRange:                  handleReadRange,
	bacnet.ServiceSubscribeCOV:               handleSubscribeCOV,
	bacnet.ServiceConfirmedCOVNotification:   handleConfirmedCOVNotification,
	bacnet.ServiceDeviceCommunicationControl: handleDeviceCommunicationControl,
}

// handleUnconfirmed consumes an unconfirmed service indication.
func (a *Application) handleUnconfirmed(source bacnet.Address, frame *apdu.APDU) {
	switch bacnet.UnconfirmedServiceChoice(frame.Service) {
	case bacnet.ServiceWhoIs:
		a.respondWhoIs(source, frame)

	case bacnet.ServiceIAm:
		iam, err := apdu.DecodeIAmRequest(frame.Data)
		if err != nil {
			a.logger.Debug("bad I-Am dropped", slog.String("error", err.Error()))
			return
		}
		a.metrics.IAmReceived.Inc()
		if _, known := a.deviceCache.GetByInstance(iam.DeviceID.Instance); !known {
			a.metrics.DevicesDiscovered.Inc()
		}
		a.deviceCache.LearnIAm(source, iam)

		a.mu.Lock()
		queries := append([]*whoIsQuery(nil), a.whoIsQueries...)
		a.mu.Unlock()
		for _, q := range queries {
			q.match(source, iam)
		}

	case bacnet.ServiceWhoHas:
		a.respondWhoHas(source, frame)

	case bacnet.ServiceIHave:
		have, err := apdu.DecodeIHaveRequest(frame.Data)
		if err != nil {
			return
		}
		a.mu.Lock()
		queries := append([]*whoHasQuery(nil), a.whoHasQueries...)
		a.mu.Unlock()
		for _, q := range queries {
			q.match(have)
		}

	case bacnet.ServiceUnconfirmedCOVNotification:
		notification, err := apdu.DecodeCOVNotification(frame.Data)
		if err != nil {
			return
		}
		a.metrics.COVNotifications.Inc()
		a.deliverCOV(source, notification)
	}
}

// respondWhoIs answers a Who-Is naming this device.
func (a *Application) respondWhoIs(source bacnet.Address, frame *apdu.APDU) {
	req, err := apdu.DecodeWhoIsRequest(frame.Data)
	if err != nil {
		return
	}
	if !req.Matches(a.opts.deviceInstance) {
		return
	}
	iam := &apdu.IAmRequest{
		DeviceID:     bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, a.opts.deviceInstance),
		MaxAPDU:      uint32(a.opts.maxAPDU),
		Segmentation: a.opts.segmentation,
		VendorID:     a.opts.vendorID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.UnconfirmedRequest(ctx, source, bacnet.ServiceIAm, iam.Encode()); err != nil {
		a.logger.Debug("I-Am send failed", slog.String("error", err.Error()))
	}
}

// respondWhoHas answers a Who-Has for an object this device serves.
func (a *Application) respondWhoHas(source bacnet.Address, frame *apdu.APDU) {
	req, err := apdu.DecodeWhoHasRequest(frame.Data)
	if err != nil {
		return
	}
	if req.LowLimit != nil && req.HighLimit != nil {
		if a.opts.deviceInstance < *req.LowLimit || a.opts.deviceInstance > *req.HighLimit {
			return
		}
	}

	var obj *Object
	switch {
	case req.ObjectID != nil:
		obj, _ = a.Object(*req.ObjectID)
	case req.ObjectName != nil:
		obj, _ = a.ObjectByName(*req.ObjectName)
	}
	if obj == nil {
		return
	}

	have := &apdu.IHaveRequest{
		DeviceID:   a.device.ID,
		ObjectID:   obj.ID,
		ObjectName: obj.Name(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.UnconfirmedRequest(ctx, source, bacnet.ServiceIHave, have.Encode()); err != nil {
		a.logger.Debug("I-Have send failed", slog.String("error", err.Error()))
	}
}

func handleReadProperty(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeReadPropertyRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	obj, ok := a.Object(req.ObjectID)
	if !ok {
		return nil, bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	}
	value, err := obj.ReadProperty(ctx, req.PropertyID, req.ArrayIndex)
	if err != nil {
		return nil, err
	}
	ack := &apdu.ReadPropertyACK{
		ObjectID:   req.ObjectID,
		PropertyID: req.PropertyID,
		ArrayIndex: req.ArrayIndex,
		Value:      value,
	}
	return apdu.ComplexAck(frame.InvokeID, bacnet.ServiceReadProperty, ack.Encode()), nil
}

func handleWriteProperty(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeWritePropertyRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	obj, ok := a.Object(req.ObjectID)
	if !ok {
		return nil, bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	}
	var priority *uint32
	if req.Priority != nil {
		p := uint32(*req.Priority)
		priority = &p
	}
	if err := obj.WriteProperty(ctx, req.PropertyID, req.Value, req.ArrayIndex, priority); err != nil {
		return nil, err
	}
	return apdu.SimpleAck(frame.InvokeID, bacnet.ServiceWriteProperty), nil
}

// expandSpecialProperty maps the all/required/optional identifiers to the
// concrete property sets, excluding property-list itself.
func expandSpecialProperty(obj *Object, pid bacnet.PropertyIdentifier) ([]bacnet.PropertyIdentifier, bool) {
	if obj.Class == nil {
		return nil, false
	}
	switch pid {
	case bacnet.PropertyAll:
		return append(obj.Class.RequiredProperties(), obj.Class.OptionalProperties()...), true
	case bacnet.PropertyRequired:
		return obj.Class.RequiredProperties(), true
	case bacnet.PropertyOptional:
		return obj.Class.OptionalProperties(), true
	default:
		return nil, false
	}
}

func handleReadPropertyMultiple(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeReadPropertyMultipleRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	ack := &apdu.ReadPropertyMultipleACK{}
	for _, spec := range req.Specs {
		result := apdu.ReadAccessResult{ObjectID: spec.ObjectID}
		obj, known := a.Object(spec.ObjectID)

		for _, ref := range spec.Properties {
			pids := []bacnet.PropertyIdentifier{ref.PropertyID}
			expanded := false
			if known {
				if set, ok := expandSpecialProperty(obj, ref.PropertyID); ok {
					pids, expanded = set, true
				}
			}
			for _, pid := range pids {
				pr := apdu.PropertyResult{PropertyID: pid, ArrayIndex: ref.ArrayIndex}
				if expanded {
					pr.ArrayIndex = nil
				}
				switch {
				case !known:
					pr.Error = bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
				default:
					value, err := obj.ReadProperty(ctx, pid, pr.ArrayIndex)
					if err != nil {
						if expanded {
							// Expanded sets skip properties the object
							// does not actually carry.
							continue
						}
						pr.Error = asProtocolError(err)
					} else {
						pr.Value = value
					}
				}
				result.Results = append(result.Results, pr)
			}
		}
		ack.Results = append(ack.Results, result)
	}
	return apdu.ComplexAck(frame.InvokeID, bacnet.ServiceReadPropertyMultiple, ack.Encode()), nil
}

// asProtocolError coerces handler errors into protocol errors.
func asProtocolError(err error) *bacnet.Error {
	if be, ok := err.(*bacnet.Error); ok {
		return be
	}
	return bacnet.NewError(bacnet.ErrorClassDevice, bacnet.ErrorCodeOperationalProblem)
}

func handleWritePropertyMultiple(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeWritePropertyMultipleRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	for _, spec := range req.Specs {
		obj, ok := a.Object(spec.ObjectID)
		if !ok {
			return nil, bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
		}
		for _, wv := range spec.Values {
			var priority *uint32
			if wv.Priority != nil {
				p := uint32(*wv.Priority)
				priority = &p
			}
			if err := obj.WriteProperty(ctx, wv.PropertyID, wv.Value, wv.ArrayIndex, priority); err != nil {
				return nil, err
			}
		}
	}
	return apdu.SimpleAck(frame.InvokeID, bacnet.ServiceWritePropertyMultiple), nil
}

func handleReadRange(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeReadRangeRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	obj, ok := a.Object(req.ObjectID)
	if !ok {
		return nil, bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	}

	obj.mu.Lock()
	items, isList := obj.arrays[req.PropertyID]
	_, scalar := obj.values[req.PropertyID]
	obj.mu.Unlock()
	if !isList {
		if scalar {
			return nil, bacnet.NewError(bacnet.ErrorClassServices, bacnet.ErrorCodePropertyIsNotAList)
		}
		return nil, bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty)
	}

	// Select the slice: positions and sequence numbers are 1-based; a
	// negative count selects backwards ending at the reference.
	first, count := 1, len(items)
	var firstSequence *uint32
	switch {
	case req.ByPosition != nil:
		first, count = rangeWindow(int(req.ByPosition.Index), int(req.ByPosition.Count), len(items))
	case req.BySequence != nil:
		first, count = rangeWindow(int(req.BySequence.Sequence), int(req.BySequence.Count), len(items))
		if count > 0 {
			seq := uint32(first)
			firstSequence = &seq
		}
	case req.ByTime != nil:
		// Entries carry no timestamps here; the time criterion selects
		// nothing.
		first, count = 1, 0
	}

	selected := items[first-1 : first-1+count]
	itemData, err := encoding.AnyFromValues(selected)
	if err != nil {
		return nil, err
	}

	flags := encoding.NewBitString(3)
	flags.SetBit(0, count > 0 && first == 1)
	flags.SetBit(1, count > 0 && first-1+count == len(items))
	flags.SetBit(2, first-1+count < len(items))

	ack := &apdu.ReadRangeACK{
		ObjectID:      req.ObjectID,
		PropertyID:    req.PropertyID,
		ArrayIndex:    req.ArrayIndex,
		ResultFlags:   flags,
		ItemCount:     uint32(count),
		ItemData:      itemData,
		FirstSequence: firstSequence,
	}
	return apdu.ComplexAck(frame.InvokeID, bacnet.ServiceReadRange, ack.Encode()), nil
}

// rangeWindow clamps a 1-based (reference, count) selection to [1, n].
func rangeWindow(ref, count, n int) (first, size int) {
	if n == 0 || count == 0 {
		return 1, 0
	}
	var lo, hi int
	if count > 0 {
		lo, hi = ref, ref+count-1
	} else {
		lo, hi = ref+count+1, ref
	}
	if lo < 1 {
		lo = 1
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		return 1, 0
	}
	return lo, hi - lo + 1
}

func handleSubscribeCOV(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	req, err := apdu.DecodeSubscribeCOVRequest(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}
	if err := a.covServer.subscribe(source, req); err != nil {
		return nil, err
	}
	return apdu.SimpleAck(frame.InvokeID, bacnet.ServiceSubscribeCOV), nil
}

func handleConfirmedCOVNotification(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	notification, err := apdu.DecodeCOVNotification(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}
	a.metrics.COVNotifications.Inc()
	a.deliverCOV(source, notification)
	return apdu.SimpleAck(frame.InvokeID, bacnet.ServiceConfirmedCOVNotification), nil
}

func handleDeviceCommunicationControl(ctx context.Context, a *Application, source bacnet.Address, frame *apdu.APDU) (*apdu.APDU, error) {
	dec, err := encoding.DecodeBytes(frame.Data)
	if err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}
	duration, hasDuration := dec.OptContextUnsigned(0)
	state := dec.ContextEnumerated(1)
	if err := dec.Err(); err != nil {
		return nil, &bacnet.RejectError{InvokeID: frame.InvokeID, Reason: bacnet.RejectReasonInvalidTag}
	}

	disabled := state != 0
	a.mu.Lock()
	a.dccDisabled = disabled
	a.mu.Unlock()

	if disabled && hasDuration && duration > 0 {
		time.AfterFunc(time.Duration(duration)*time.Minute, func() {
			a.mu.Lock()
			a.dccDisabled = false
			a.mu.Unlock()
			a.logger.Info("communication re-enabled after DCC window")
		})
	}
	a.logger.Info("device communication control",
		slog.Bool("disabled", state != 0),
		slog.String("from", source.String()),
	)
	return apdu.SimpleAck(frame.InvokeID, bacnet.ServiceDeviceCommunicationControl), nil
}
