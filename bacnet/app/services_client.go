package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// whoIsQuery collects I-Am responses for one Who-Is until its window
// closes, or until the first match for a single-instance query.
type whoIsQuery struct {
	req    *apdu.WhoIsRequest
	addr   *bacnet.Address
	single bool

	mu      sync.Mutex
	results []*apdu.IAmRequest
	done    chan struct{}
	closed  bool
}

func (q *whoIsQuery) match(source bacnet.Address, iam *apdu.IAmRequest) {
	if !q.req.Matches(iam.DeviceID.Instance) {
		return
	}
	if q.addr != nil && !q.addr.Equal(source) {
		return
	}
	q.mu.Lock()
	q.results = append(q.results, iam)
	shortCircuit := q.single && !q.closed
	if shortCircuit {
		q.closed = true
	}
	q.mu.Unlock()
	if shortCircuit {
		close(q.done)
	}
}

func (q *whoIsQuery) collected() []*apdu.IAmRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*apdu.IAmRequest(nil), q.results...)
}

// whoHasQuery collects I-Have responses for one Who-Has.
type whoHasQuery struct {
	req *apdu.WhoHasRequest

	mu      sync.Mutex
	results []*apdu.IHaveRequest
}

func (q *whoHasQuery) match(have *apdu.IHaveRequest) {
	if q.req.LowLimit != nil && q.req.HighLimit != nil {
		inst := have.DeviceID.Instance
		if inst < *q.req.LowLimit || inst > *q.req.HighLimit {
			return
		}
	}
	if q.req.ObjectID != nil && *q.req.ObjectID != have.ObjectID {
		return
	}
	if q.req.ObjectName != nil && *q.req.ObjectName != have.ObjectName {
		return
	}
	q.mu.Lock()
	q.results = append(q.results, have)
	q.mu.Unlock()
}

func (q *whoHasQuery) collected() []*apdu.IHaveRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*apdu.IHaveRequest(nil), q.results...)
}

// WhoIs broadcasts (or unicasts, when dest is given) a Who-Is and collects
// the I-Am responses arriving within the discovery window. A query for a
// single instance resolves on the first match.
func (a *Application) WhoIs(ctx context.Context, low, high *uint32, dest *bacnet.Address) ([]*apdu.IAmRequest, error) {
	req := &apdu.WhoIsRequest{LowLimit: low, HighLimit: high}
	q := &whoIsQuery{
		req:    req,
		addr:   dest,
		single: low != nil && high != nil && *low == *high,
		done:   make(chan struct{}),
	}

	a.mu.Lock()
	a.whoIsQueries = append(a.whoIsQueries, q)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		for i, pending := range a.whoIsQueries {
			if pending == q {
				a.whoIsQueries = append(a.whoIsQueries[:i], a.whoIsQueries[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
	}()

	target := bacnet.GlobalBroadcast()
	if dest != nil {
		target = *dest
	}
	if err := a.UnconfirmedRequest(ctx, target, bacnet.ServiceWhoIs, req.Encode()); err != nil {
		return nil, err
	}
	a.metrics.WhoIsSent.Inc()

	timer := time.NewTimer(a.opts.discoveryTimeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
	case <-ctx.Done():
		return q.collected(), ctx.Err()
	}
	return q.collected(), nil
}

// WhoIsDevice resolves one device instance to its device-cache record,
// using the cache when possible.
func (a *Application) WhoIsDevice(ctx context.Context, instance uint32) (*DeviceInfo, error) {
	if info, ok := a.deviceCache.GetByInstance(instance); ok {
		return info, nil
	}
	results, err := a.WhoIs(ctx, &instance, &instance, nil)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, bacnet.ErrDeviceNotFound
	}
	info, ok := a.deviceCache.GetByInstance(instance)
	if !ok {
		return nil, bacnet.ErrDeviceNotFound
	}
	return info, nil
}

// WhoHas broadcasts a Who-Has and collects the I-Have responses arriving
// within the discovery window.
func (a *Application) WhoHas(ctx context.Context, req *apdu.WhoHasRequest) ([]*apdu.IHaveRequest, error) {
	q := &whoHasQuery{req: req}

	a.mu.Lock()
	a.whoHasQueries = append(a.whoHasQueries, q)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		for i, pending := range a.whoHasQueries {
			if pending == q {
				a.whoHasQueries = append(a.whoHasQueries[:i], a.whoHasQueries[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
	}()

	if err := a.UnconfirmedRequest(ctx, bacnet.GlobalBroadcast(), bacnet.ServiceWhoHas, req.Encode()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(a.opts.discoveryTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return q.collected(), ctx.Err()
	}
	return q.collected(), nil
}

// ReadProperty reads one property and decodes the value against the peer
// vendor's declared type.
func (a *Application) ReadProperty(ctx context.Context, dest bacnet.Address,
	oid bacnet.ObjectIdentifier, pid bacnet.PropertyIdentifier, index *uint32) (encoding.Value, error) {

	req := &apdu.ReadPropertyRequest{ObjectID: oid, PropertyID: pid, ArrayIndex: index}
	resp, err := a.ConfirmedRequest(ctx, dest, bacnet.ServiceReadProperty, req.Encode())
	if err != nil {
		return nil, err
	}
	ack, err := apdu.DecodeReadPropertyACK(resp.Data)
	if err != nil {
		return nil, err
	}
	return a.castOut(dest, ack.ObjectID, ack.PropertyID, ack.ArrayIndex, ack.Value)
}

// castOut decodes an Any using the vendor info of the peer at dest.
func (a *Application) castOut(dest bacnet.Address, oid bacnet.ObjectIdentifier,
	pid bacnet.PropertyIdentifier, index *uint32, value *encoding.Any) (encoding.Value, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: missing property value", bacnet.ErrDecoding)
	}
	vendorID := uint16(0)
	if info, ok := a.deviceCache.GetByAddress(dest); ok {
		vendorID = info.VendorID
	}
	class, ok := a.registry.Vendor(vendorID).ObjectClass(oid.Type)
	if !ok {
		return value.Value()
	}
	return class.CastOut(value, pid, index)
}

// WriteProperty writes one property. A nil value relinquishes, which is
// admissible only with a priority.
func (a *Application) WriteProperty(ctx context.Context, dest bacnet.Address,
	oid bacnet.ObjectIdentifier, pid bacnet.PropertyIdentifier,
	value encoding.Value, index *uint32, priority *uint8) error {

	if value == nil && priority == nil {
		return fmt.Errorf("%w: null write requires a priority", bacnet.ErrEncoding)
	}
	anyValue, err := encoding.AnyFromValue(value)
	if err != nil {
		return err
	}
	req := &apdu.WritePropertyRequest{
		ObjectID:   oid,
		PropertyID: pid,
		ArrayIndex: index,
		Value:      anyValue,
		Priority:   priority,
	}
	_, err = a.ConfirmedRequest(ctx, dest, bacnet.ServiceWriteProperty, req.Encode())
	return err
}

// ReadPropertyMultiple reads several properties in one exchange and
// returns the raw grouped results.
func (a *Application) ReadPropertyMultiple(ctx context.Context, dest bacnet.Address,
	specs []apdu.ReadAccessSpec) ([]apdu.ReadAccessResult, error) {

	req := &apdu.ReadPropertyMultipleRequest{Specs: specs}
	resp, err := a.ConfirmedRequest(ctx, dest, bacnet.ServiceReadPropertyMultiple, req.Encode())
	if err != nil {
		return nil, err
	}
	ack, err := apdu.DecodeReadPropertyMultipleACK(resp.Data)
	if err != nil {
		return nil, err
	}
	return ack.Results, nil
}

// WritePropertyMultiple writes several properties in one exchange.
func (a *Application) WritePropertyMultiple(ctx context.Context, dest bacnet.Address,
	specs []apdu.WriteAccessSpec) error {

	req := &apdu.WritePropertyMultipleRequest{Specs: specs}
	_, err := a.ConfirmedRequest(ctx, dest, bacnet.ServiceWritePropertyMultiple, req.Encode())
	return err
}

// ReadRange reads a slice of a list-valued property.
func (a *Application) ReadRange(ctx context.Context, dest bacnet.Address,
	req *apdu.ReadRangeRequest) (*apdu.ReadRangeACK, error) {

	resp, err := a.ConfirmedRequest(ctx, dest, bacnet.ServiceReadRange, req.Encode())
	if err != nil {
		return nil, err
	}
	return apdu.DecodeReadRangeACK(resp.Data)
}
