package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// covRefreshLead is how far before the lifetime expires a client
// subscription renews itself.
const covRefreshLead = 2 * time.Second

// COVSubscription is a live client-side change-of-value subscription:
// notifications queue up as they arrive and the subscription renews itself
// ahead of its lifetime. Close cancels the refresh and unsubscribes.
type COVSubscription struct {
	app       *Application
	peer      bacnet.Address
	processID uint32
	objectID  bacnet.ObjectIdentifier
	confirmed bool
	lifetime  uint32

	queue   chan *apdu.COVNotification
	mu      sync.Mutex
	refresh *time.Timer
	closed  bool
}

// covProcessCounter hands out subscriber process identifiers.
var (
	covProcessMu      sync.Mutex
	covProcessCounter uint32
)

func nextProcessID() uint32 {
	covProcessMu.Lock()
	defer covProcessMu.Unlock()
	covProcessCounter++
	return covProcessCounter
}

// SubscribeCOV subscribes to change-of-value notifications for one object
// on a peer. A lifetime of zero never expires (and never refreshes).
func (a *Application) SubscribeCOV(ctx context.Context, dest bacnet.Address,
	oid bacnet.ObjectIdentifier, confirmed bool, lifetime uint32) (*COVSubscription, error) {

	sub := &COVSubscription{
		app:       a,
		peer:      dest,
		processID: nextProcessID(),
		objectID:  oid,
		confirmed: confirmed,
		lifetime:  lifetime,
		queue:     make(chan *apdu.COVNotification, 16),
	}

	if err := sub.send(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.covSubs = append(a.covSubs, sub)
	a.mu.Unlock()
	a.metrics.COVSubscriptions.Inc()

	sub.scheduleRefresh()
	return sub, nil
}

// send issues the SubscribeCOV request with this subscription's terms.
func (s *COVSubscription) send(ctx context.Context) error {
	confirmed := s.confirmed
	lifetime := s.lifetime
	req := &apdu.SubscribeCOVRequest{
		ProcessID:      s.processID,
		ObjectID:       s.objectID,
		IssueConfirmed: &confirmed,
		Lifetime:       &lifetime,
	}
	_, err := s.app.ConfirmedRequest(ctx, s.peer, bacnet.ServiceSubscribeCOV, req.Encode())
	return err
}

// scheduleRefresh arms the renewal timer at lifetime minus the lead; a
// zero lifetime is infinite and needs no renewal.
func (s *COVSubscription) scheduleRefresh() {
	if s.lifetime == 0 {
		return
	}
	interval := time.Duration(s.lifetime)*time.Second - covRefreshLead
	if interval < time.Second {
		interval = time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.refresh = time.AfterFunc(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.app.opts.apduTimeout)
		defer cancel()
		if err := s.send(ctx); err != nil {
			s.app.logger.Warn("COV refresh failed",
				slog.String("peer", s.peer.String()),
				slog.String("error", err.Error()),
			)
		}
		s.scheduleRefresh()
	})
}

// Next waits for the next notification.
func (s *COVSubscription) Next(ctx context.Context) (*apdu.COVNotification, error) {
	select {
	case n := <-s.queue:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextValue waits for the next notification and decodes one property from
// it against the peer's declared types.
func (s *COVSubscription) NextValue(ctx context.Context, pid bacnet.PropertyIdentifier) (encoding.Value, error) {
	n, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range n.Values {
		if v.PropertyID == pid {
			return s.app.castOut(s.peer, n.ObjectID, pid, v.ArrayIndex, v.Value)
		}
	}
	return nil, fmt.Errorf("%w: notification lacks %s", bacnet.ErrDecoding, pid)
}

// DecodeNotifiedValue decodes one property value out of a notification
// against the peer's declared types.
func (a *Application) DecodeNotifiedValue(peer bacnet.Address, n *apdu.COVNotification, v apdu.NotifiedValue) (encoding.Value, error) {
	return a.castOut(peer, n.ObjectID, v.PropertyID, v.ArrayIndex, v.Value)
}

// Close cancels the refresh timer and unsubscribes (a SubscribeCOV with
// both options absent), regardless of queue state.
func (s *COVSubscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.mu.Unlock()

	s.app.mu.Lock()
	for i, sub := range s.app.covSubs {
		if sub == s {
			s.app.covSubs = append(s.app.covSubs[:i], s.app.covSubs[i+1:]...)
			break
		}
	}
	s.app.mu.Unlock()

	req := &apdu.SubscribeCOVRequest{ProcessID: s.processID, ObjectID: s.objectID}
	_, err := s.app.ConfirmedRequest(ctx, s.peer, bacnet.ServiceSubscribeCOV, req.Encode())
	return err
}

// deliverCOV routes an incoming notification to the matching subscription
// queue.
func (a *Application) deliverCOV(source bacnet.Address, n *apdu.COVNotification) {
	a.mu.Lock()
	subs := append([]*COVSubscription(nil), a.covSubs...)
	a.mu.Unlock()

	for _, sub := range subs {
		if sub.processID != n.ProcessID || sub.objectID != n.ObjectID || !sub.peer.Equal(source) {
			continue
		}
		select {
		case sub.queue <- n:
		default:
			a.logger.Warn("COV queue full, notification dropped",
				slog.String("object", n.ObjectID.String()),
			)
		}
		return
	}
}

// covRecord is one server-side subscription.
type covRecord struct {
	client    bacnet.Address
	processID uint32
	objectID  bacnet.ObjectIdentifier
	confirmed bool
	lifetime  uint32
	expires   time.Time
	timer     *time.Timer
}

// covDetection watches one object's COV-relevant properties and fans
// change notifications out to its subscribers.
type covDetection struct {
	server *covServer
	obj    *Object

	mu   sync.Mutex
	subs []*covRecord
}

// covServer owns the server side of SubscribeCOV.
type covServer struct {
	app *Application

	mu         sync.Mutex
	detections map[bacnet.ObjectIdentifier]*covDetection
}

func newCOVServer(a *Application) *covServer {
	return &covServer{app: a, detections: make(map[bacnet.ObjectIdentifier]*covDetection)}
}

// subscribe installs, refreshes or cancels a subscription.
func (cs *covServer) subscribe(client bacnet.Address, req *apdu.SubscribeCOVRequest) error {
	obj, ok := cs.app.Object(req.ObjectID)
	if !ok {
		return bacnet.NewError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	}

	cs.mu.Lock()
	det := cs.detections[req.ObjectID]
	if det == nil {
		det = &covDetection{server: cs, obj: obj}
		cs.detections[req.ObjectID] = det
		obj.mu.Lock()
		obj.cov = det
		obj.mu.Unlock()
	}
	cs.mu.Unlock()

	if req.IsCancellation() {
		det.remove(client, req.ProcessID)
		return nil
	}

	confirmed := req.IssueConfirmed != nil && *req.IssueConfirmed
	lifetime := uint32(0)
	if req.Lifetime != nil {
		lifetime = *req.Lifetime
	}
	det.add(client, req.ProcessID, confirmed, lifetime)
	return nil
}

func (det *covDetection) add(client bacnet.Address, processID uint32, confirmed bool, lifetime uint32) {
	det.mu.Lock()
	defer det.mu.Unlock()

	for _, rec := range det.subs {
		if rec.client.Equal(client) && rec.processID == processID {
			rec.confirmed = confirmed
			rec.lifetime = lifetime
			rec.rearm(det)
			return
		}
	}
	rec := &covRecord{
		client:    client,
		processID: processID,
		objectID:  det.obj.ID,
		confirmed: confirmed,
		lifetime:  lifetime,
	}
	rec.rearm(det)
	det.subs = append(det.subs, rec)
}

// rearm resets the lifetime expiry; zero lifetime never expires. The
// caller holds det.mu.
func (rec *covRecord) rearm(det *covDetection) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if rec.lifetime == 0 {
		rec.expires = time.Time{}
		return
	}
	rec.expires = time.Now().Add(time.Duration(rec.lifetime) * time.Second)
	client, processID := rec.client, rec.processID
	rec.timer = time.AfterFunc(time.Duration(rec.lifetime)*time.Second, func() {
		det.remove(client, processID)
	})
}

func (det *covDetection) remove(client bacnet.Address, processID uint32) {
	det.mu.Lock()
	defer det.mu.Unlock()
	for i, rec := range det.subs {
		if rec.client.Equal(client) && rec.processID == processID {
			if rec.timer != nil {
				rec.timer.Stop()
			}
			det.subs = append(det.subs[:i], det.subs[i+1:]...)
			return
		}
	}
}

// covProperties are the properties reported in every notification.
var covProperties = [...]bacnet.PropertyIdentifier{
	bacnet.PropertyPresentValue,
	bacnet.PropertyStatusFlags,
}

// propertyChanged fires the detection when a COV-relevant property moved.
func (det *covDetection) propertyChanged(pid bacnet.PropertyIdentifier, _ encoding.Value) {
	relevant := false
	for _, p := range covProperties {
		if p == pid {
			relevant = true
			break
		}
	}
	if !relevant {
		return
	}

	det.mu.Lock()
	subs := append([]*covRecord(nil), det.subs...)
	det.mu.Unlock()

	for _, rec := range subs {
		go det.notify(rec)
	}
}

// notify sends one notification; confirmed subscriptions ride an ordinary
// confirmed transaction.
func (det *covDetection) notify(rec *covRecord) {
	app := det.server.app

	var values []apdu.NotifiedValue
	for _, pid := range covProperties {
		det.obj.mu.Lock()
		v, ok := det.obj.values[pid]
		det.obj.mu.Unlock()
		if !ok {
			continue
		}
		anyValue, err := encoding.AnyFromValue(v)
		if err != nil {
			continue
		}
		values = append(values, apdu.NotifiedValue{PropertyID: pid, Value: anyValue})
	}

	remaining := uint32(0)
	if !rec.expires.IsZero() {
		if left := time.Until(rec.expires); left > 0 {
			remaining = uint32(left.Seconds())
		}
	}

	n := &apdu.COVNotification{
		ProcessID:     rec.processID,
		DeviceID:      app.device.ID,
		ObjectID:      det.obj.ID,
		TimeRemaining: remaining,
		Values:        values,
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.opts.apduTimeout)
	defer cancel()
	var err error
	if rec.confirmed {
		_, err = app.ConfirmedRequest(ctx, rec.client, bacnet.ServiceConfirmedCOVNotification, n.Encode())
	} else {
		err = app.UnconfirmedRequest(ctx, rec.client, bacnet.ServiceUnconfirmedCOVNotification, n.Encode())
	}
	if err != nil {
		app.logger.Warn("COV notification failed",
			slog.String("client", rec.client.String()),
			slog.String("error", err.Error()),
		)
	}
}

// stop cancels every lifetime timer.
func (cs *covServer) stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, det := range cs.detections {
		det.mu.Lock()
		for _, rec := range det.subs {
			if rec.timer != nil {
				rec.timer.Stop()
			}
		}
		det.subs = nil
		det.mu.Unlock()
	}
}
