package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
)

// tsmState is the transaction state machine state.
type tsmState int

const (
	stateIdle tsmState = iota
	stateSegmentedRequest
	stateAwaitingConfirmation
	stateAwaitingResponse
	stateSegmentedConfirmation
	stateSegmentedResponse
	stateCompleted
	stateAborted
)

func (s tsmState) String() string {
	names := [...]string{
		"idle", "segmented-request", "awaiting-confirmation",
		"awaiting-response", "segmented-confirmation", "segmented-response",
		"completed", "aborted",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("tsm-state(%d)", int(s))
}

// tsmResult resolves a confirmed request's completion future: exactly one
// of ack or err.
type tsmResult struct {
	ack *apdu.APDU
	err error
}

// segmentTx is the windowed segment sender shared by the client (segmented
// requests) and server (segmented responses) machines. The owner pumps
// frames out one at a time with next() so no lock is held on the wire.
type segmentTx struct {
	segments [][]byte
	window   uint8
	acked    int // segments acknowledged so far
	sent     int // next segment index to transmit
}

// splitSegments chunks a payload for a peer that accepts size octets per
// APDU; the segmented header occupies the difference.
func splitSegments(data []byte, size int) [][]byte {
	if size < 1 {
		size = 1
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// next claims the next segment index while the window is open.
func (tx *segmentTx) next() (int, bool) {
	limit := tx.acked + int(tx.window)
	if limit > len(tx.segments) {
		limit = len(tx.segments)
	}
	if tx.sent >= limit {
		return 0, false
	}
	index := tx.sent
	tx.sent++
	return index, true
}

// rewind backs the send position up to the acknowledged prefix for a
// retransmit.
func (tx *segmentTx) rewind() { tx.sent = tx.acked }

// onAck advances the window for an in-sequence acknowledgement; the return
// reports whether the ack moved the window. Sequence numbers are modulo
// 256, so the match is found by scanning the open window; duplicates never
// extend it.
func (tx *segmentTx) onAck(sequence, window uint8) bool {
	if window >= 1 {
		tx.window = window
	}
	for k := tx.acked + 1; k <= tx.sent; k++ {
		if uint8((k-1)&0xFF) == sequence {
			tx.acked = k
			return true
		}
	}
	return false
}

// done reports whether every segment was acknowledged.
func (tx *segmentTx) done() bool { return tx.acked == len(tx.segments) }

// segmentRx is the in-order segment receiver shared by both machines.
type segmentRx struct {
	buf      []byte
	count    int // in-order segments received
	window   uint8
	sinceAck int
	complete bool
}

// accept consumes one segment. ackNow reports that a Segment-Ack should be
// sent (for the first segment, a full window, the final segment, or a
// duplicate/out-of-order arrival, which re-acknowledges without advancing);
// final reports that this very segment completed the transfer.
func (rx *segmentRx) accept(a *apdu.APDU, proposedLimit uint8) (ackNow, final bool) {
	expected := uint8(rx.count & 0xFF)
	if a.Sequence != expected {
		return true, false
	}
	if rx.count == 0 {
		rx.window = a.Window
		if proposedLimit >= 1 && rx.window > proposedLimit {
			rx.window = proposedLimit
		}
		if rx.window < 1 {
			rx.window = 1
		}
	}
	rx.buf = append(rx.buf, a.Data...)
	rx.count++
	rx.sinceAck++
	if !a.MoreFollows {
		rx.complete = true
		return true, true
	}
	if rx.count == 1 || rx.sinceAck >= int(rx.window) {
		rx.sinceAck = 0
		return true, false
	}
	return false, false
}

// lastSequence is the sequence number of the last in-order segment.
func (rx *segmentRx) lastSequence() uint8 {
	return uint8((rx.count - 1) & 0xFF)
}

// clientTSM drives one outgoing confirmed request: the send (segmented if
// needed), the wait for the response, and the reassembly of a segmented
// response. The completion future resolves exactly once.
//
// Wire sends never happen with the mutex held: on links that deliver
// synchronously the peer's reply can re-enter the machine on the same
// goroutine.
type clientTSM struct {
	app      *Application
	peer     bacnet.Address
	invokeID uint8
	service  bacnet.ConfirmedServiceChoice
	device   *DeviceInfo

	mu       sync.Mutex
	state    tsmState
	tx       *segmentTx
	rx       *segmentRx
	request  *apdu.APDU // unsegmented request for plain retransmit
	respTmpl apdu.APDU  // header of a segmented response being reassembled
	retries  int
	timer    *time.Timer
	result   chan tsmResult
}

// start validates transport limits and transmits the request (or its first
// window).
func (t *clientTSM) start(data []byte) error {
	// Header octets of an unsegmented confirmed request.
	if len(data)+4 <= int(t.device.MaxAPDU) {
		t.request = apdu.ConfirmedRequest(t.invokeID, t.service, data,
			bacnet.MaxSegmentsEncode(t.app.opts.maxSegments),
			bacnet.MaxAPDUEncode(t.app.opts.maxAPDU),
			t.app.opts.segmentation.CanReceive())
		t.mu.Lock()
		t.state = stateAwaitingConfirmation
		t.startTimer(t.app.opts.apduTimeout)
		t.mu.Unlock()
		return t.send(t.request)
	}

	if !t.app.opts.segmentation.CanTransmit() || !t.device.Segmentation.CanReceive() {
		return &bacnet.AbortError{InvokeID: t.invokeID, Reason: bacnet.AbortReasonSegmentationNotSupported}
	}

	segments := splitSegments(data, int(t.device.MaxAPDU)-6)
	if t.device.MaxSegments > 0 && len(segments) > int(t.device.MaxSegments) {
		return &bacnet.AbortError{InvokeID: t.invokeID, Reason: bacnet.AbortReasonAPDUTooLong}
	}

	t.mu.Lock()
	t.state = stateSegmentedRequest
	t.tx = &segmentTx{segments: segments, window: t.app.opts.proposedWindowSize}
	t.startTimer(t.app.opts.segmentTimeout)
	t.mu.Unlock()
	t.app.metrics.SegmentedTransactions.Inc()
	t.pumpSegments()
	return nil
}

// pumpSegments transmits request segments while the window has room,
// claiming each index under the mutex and sending without it.
func (t *clientTSM) pumpSegments() {
	for {
		t.mu.Lock()
		if t.state != stateSegmentedRequest || t.tx == nil {
			t.mu.Unlock()
			return
		}
		index, ok := t.tx.next()
		if !ok {
			t.mu.Unlock()
			return
		}
		frame := &apdu.APDU{
			Type:                      bacnet.PDUTypeConfirmedRequest,
			Segmented:                 true,
			MoreFollows:               index < len(t.tx.segments)-1,
			SegmentedResponseAccepted: t.app.opts.segmentation.CanReceive(),
			MaxSegments:               bacnet.MaxSegmentsEncode(t.app.opts.maxSegments),
			MaxAPDU:                   bacnet.MaxAPDUEncode(t.app.opts.maxAPDU),
			InvokeID:                  t.invokeID,
			Sequence:                  uint8(index & 0xFF),
			Window:                    t.tx.window,
			Service:                   uint8(t.service),
			Data:                      t.tx.segments[index],
		}
		t.mu.Unlock()

		t.app.metrics.SegmentsSent.Inc()
		if err := t.send(frame); err != nil {
			t.app.logger.Debug("segment send failed", slog.String("error", err.Error()))
		}
	}
}

func (t *clientTSM) send(a *apdu.APDU) error {
	return t.app.sendAPDU(t.peer, a, true)
}

// startTimer (re)arms the state timer; the caller holds the mutex.
func (t *clientTSM) startTimer(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.onTimeout)
}

// onTimeout retries the current state's transmission and aborts with
// tsm-timeout once the retry budget is spent.
func (t *clientTSM) onTimeout() {
	t.mu.Lock()
	if t.state == stateCompleted || t.state == stateAborted {
		t.mu.Unlock()
		return
	}
	t.retries++
	if t.retries > t.app.opts.retries {
		t.mu.Unlock()
		t.abort(bacnet.AbortReasonTSMTimeout, true)
		return
	}

	switch t.state {
	case stateAwaitingConfirmation:
		frame := t.request
		t.startTimer(t.app.opts.apduTimeout)
		t.mu.Unlock()
		if frame != nil {
			t.app.metrics.SegmentRetransmits.Inc()
			t.send(frame)
		}

	case stateSegmentedRequest:
		t.tx.rewind()
		t.startTimer(t.app.opts.segmentTimeout)
		t.mu.Unlock()
		t.app.metrics.SegmentRetransmits.Inc()
		t.pumpSegments()

	case stateSegmentedConfirmation:
		t.mu.Unlock()
		t.abort(bacnet.AbortReasonTSMTimeout, true)

	default:
		t.mu.Unlock()
	}
}

// handleAPDU consumes a frame addressed to this transaction.
func (t *clientTSM) handleAPDU(a *apdu.APDU) {
	switch a.Type {
	case bacnet.PDUTypeSegmentAck:
		t.handleSegmentAck(a)

	case bacnet.PDUTypeSimpleAck:
		t.complete(tsmResult{ack: a})

	case bacnet.PDUTypeComplexAck:
		if !a.Segmented {
			t.complete(tsmResult{ack: a})
			return
		}
		t.handleResponseSegment(a)

	case bacnet.PDUTypeError:
		payload, err := apdu.DecodeErrorPayload(a.Data)
		if err != nil {
			t.complete(tsmResult{err: err})
			return
		}
		t.complete(tsmResult{err: bacnet.NewError(payload.Class, payload.Code)})

	case bacnet.PDUTypeReject:
		t.complete(tsmResult{err: &bacnet.RejectError{InvokeID: a.InvokeID, Reason: bacnet.RejectReason(a.Service)}})

	case bacnet.PDUTypeAbort:
		t.complete(tsmResult{err: &bacnet.AbortError{InvokeID: a.InvokeID, Server: a.Server, Reason: bacnet.AbortReason(a.Service)}})

	default:
		t.abort(bacnet.AbortReasonInvalidApduInThisState, true)
	}
}

func (t *clientTSM) handleSegmentAck(a *apdu.APDU) {
	t.mu.Lock()
	if t.state != stateSegmentedRequest || t.tx == nil {
		t.mu.Unlock()
		return
	}
	advanced := t.tx.onAck(a.Sequence, a.Window)
	if advanced {
		t.retries = 0
		if t.tx.done() {
			t.state = stateAwaitingConfirmation
			t.startTimer(t.app.opts.apduTimeout)
			t.mu.Unlock()
			return
		}
	}
	t.startTimer(t.app.opts.segmentTimeout)
	t.mu.Unlock()
	if advanced {
		t.pumpSegments()
	}
}

func (t *clientTSM) handleResponseSegment(a *apdu.APDU) {
	if !t.app.opts.segmentation.CanReceive() {
		t.abort(bacnet.AbortReasonSegmentationNotSupported, true)
		return
	}

	t.mu.Lock()
	switch t.state {
	case stateAwaitingConfirmation:
		t.state = stateSegmentedConfirmation
		t.rx = &segmentRx{}
		t.respTmpl = apdu.APDU{
			Type:     bacnet.PDUTypeComplexAck,
			InvokeID: a.InvokeID,
			Service:  a.Service,
		}
	case stateSegmentedConfirmation:
	default:
		t.mu.Unlock()
		return
	}

	t.app.metrics.SegmentsReceived.Inc()
	ackNow, final := t.rx.accept(a, t.app.opts.proposedWindowSize)

	var ackFrame *apdu.APDU
	if ackNow && t.rx.count > 0 {
		ackFrame = apdu.SegmentAck(t.invokeID, false, false, t.rx.lastSequence(), t.rx.window)
	}
	var complete *apdu.APDU
	if final {
		whole := t.respTmpl
		whole.Data = t.rx.buf
		complete = &whole
	} else {
		t.retries = 0
		t.startTimer(t.app.opts.segmentTimeout)
	}
	t.mu.Unlock()

	if ackFrame != nil {
		t.app.sendAPDU(t.peer, ackFrame, false)
	}
	if complete != nil {
		t.complete(tsmResult{ack: complete})
	}
}

// abort resolves the future with an abort error and optionally tells the
// peer.
func (t *clientTSM) abort(reason bacnet.AbortReason, tellPeer bool) {
	if tellPeer {
		t.app.sendAPDU(t.peer, apdu.Abort(t.invokeID, false, reason), false)
	}
	err := error(&bacnet.AbortError{InvokeID: t.invokeID, Reason: reason})
	if reason == bacnet.AbortReasonTSMTimeout {
		err = fmt.Errorf("%w: %s to %s", bacnet.ErrTimeout, t.service, t.peer.String())
		t.app.metrics.RequestsTimedOut.Inc()
	}
	t.complete(tsmResult{err: err})
}

// complete resolves the future exactly once and tears the transaction down.
func (t *clientTSM) complete(res tsmResult) {
	t.mu.Lock()
	if t.state == stateCompleted || t.state == stateAborted {
		t.mu.Unlock()
		return
	}
	if res.err != nil {
		t.state = stateAborted
	} else {
		t.state = stateCompleted
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.app.removeClientTSM(t.peer, t.invokeID)
	t.app.deviceCache.Release(t.device)
	t.app.metrics.ActiveTransactions.Dec()
	t.result <- res
}

// cancel resolves the future with a cancellation without touching the wire.
func (t *clientTSM) cancel() {
	t.complete(tsmResult{err: bacnet.ErrCancelled})
}

// serverTSM drives one incoming confirmed request: reassembly of a
// segmented request and segmentation of an oversized response. The same
// no-lock-on-the-wire rule as the client machine applies.
type serverTSM struct {
	app      *Application
	peer     bacnet.Address
	invokeID uint8
	service  uint8

	// Requester transport limits from the request header.
	maxAPDU           uint
	maxSegments       uint
	segmentedAccepted bool

	mu    sync.Mutex
	state tsmState
	rx    *segmentRx
	tx    *segmentTx
	timer *time.Timer
}

// handleSegment consumes one segment of a segmented request. When the final
// segment lands it returns the reassembled frame for dispatch.
func (t *serverTSM) handleSegment(a *apdu.APDU) *apdu.APDU {
	if !t.app.opts.segmentation.CanReceive() {
		t.app.sendAPDU(t.peer, apdu.Abort(t.invokeID, true, bacnet.AbortReasonSegmentationNotSupported), false)
		t.finish()
		return nil
	}

	t.mu.Lock()
	if t.rx == nil {
		t.state = stateSegmentedRequest
		t.rx = &segmentRx{}
	}
	t.app.metrics.SegmentsReceived.Inc()
	ackNow, final := t.rx.accept(a, t.app.opts.proposedWindowSize)

	var ackFrame *apdu.APDU
	if ackNow && t.rx.count > 0 {
		ackFrame = apdu.SegmentAck(t.invokeID, true, false, t.rx.lastSequence(), t.rx.window)
	}
	var whole *apdu.APDU
	if final {
		t.state = stateAwaitingResponse
		whole = &apdu.APDU{
			Type:                      bacnet.PDUTypeConfirmedRequest,
			SegmentedResponseAccepted: a.SegmentedResponseAccepted,
			MaxSegments:               a.MaxSegments,
			MaxAPDU:                   a.MaxAPDU,
			InvokeID:                  t.invokeID,
			Service:                   t.service,
			Data:                      t.rx.buf,
		}
		if t.timer != nil {
			t.timer.Stop()
		}
	} else {
		t.startTimer(t.app.opts.segmentTimeout)
	}
	t.mu.Unlock()

	if ackFrame != nil {
		t.app.sendAPDU(t.peer, ackFrame, false)
	}
	return whole
}

// respond transmits the response, segmenting a ComplexAck that exceeds the
// requester's APDU limit. A nil response (a dropped request) just tears
// the transaction down.
func (t *serverTSM) respond(a *apdu.APDU) {
	if a == nil {
		t.finish()
		return
	}
	if a.Type != bacnet.PDUTypeComplexAck || len(a.Data)+3 <= int(t.maxAPDU) {
		t.app.sendAPDU(t.peer, a, false)
		t.finish()
		return
	}

	if !t.segmentedAccepted || !t.app.opts.segmentation.CanTransmit() {
		t.app.sendAPDU(t.peer, apdu.Abort(t.invokeID, true, bacnet.AbortReasonSegmentationNotSupported), false)
		t.finish()
		return
	}

	segments := splitSegments(a.Data, int(t.maxAPDU)-5)
	if t.maxSegments > 0 && len(segments) > int(t.maxSegments) {
		t.app.sendAPDU(t.peer, apdu.Abort(t.invokeID, true, bacnet.AbortReasonBufferOverflow), false)
		t.finish()
		return
	}

	t.mu.Lock()
	t.state = stateSegmentedResponse
	t.tx = &segmentTx{segments: segments, window: t.app.opts.proposedWindowSize}
	t.startTimer(t.app.opts.segmentTimeout)
	t.mu.Unlock()
	t.app.metrics.SegmentedTransactions.Inc()
	t.pumpSegments(a.Service)
}

// pumpSegments transmits response segments while the window has room.
func (t *serverTSM) pumpSegments(service uint8) {
	for {
		t.mu.Lock()
		if t.state != stateSegmentedResponse || t.tx == nil {
			t.mu.Unlock()
			return
		}
		index, ok := t.tx.next()
		if !ok {
			t.mu.Unlock()
			return
		}
		frame := &apdu.APDU{
			Type:        bacnet.PDUTypeComplexAck,
			Segmented:   true,
			MoreFollows: index < len(t.tx.segments)-1,
			InvokeID:    t.invokeID,
			Sequence:    uint8(index & 0xFF),
			Window:      t.tx.window,
			Service:     service,
			Data:        t.tx.segments[index],
		}
		t.mu.Unlock()

		t.app.metrics.SegmentsSent.Inc()
		if err := t.app.sendAPDU(t.peer, frame, false); err != nil {
			t.app.logger.Debug("response segment send failed", slog.String("error", err.Error()))
		}
	}
}

// handleSegmentAck advances the response window.
func (t *serverTSM) handleSegmentAck(a *apdu.APDU, service uint8) {
	t.mu.Lock()
	if t.state != stateSegmentedResponse || t.tx == nil {
		t.mu.Unlock()
		return
	}
	advanced := t.tx.onAck(a.Sequence, a.Window)
	if advanced && t.tx.done() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
		t.finish()
		return
	}
	t.startTimer(t.app.opts.segmentTimeout)
	t.mu.Unlock()
	if advanced {
		t.pumpSegments(service)
	}
}

func (t *serverTSM) startTimer(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.onTimeout)
}

// onTimeout gives up on the peer: segmented exchanges that stall are
// aborted with tsm-timeout.
func (t *serverTSM) onTimeout() {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == stateSegmentedRequest || state == stateSegmentedResponse {
		t.app.sendAPDU(t.peer, apdu.Abort(t.invokeID, true, bacnet.AbortReasonTSMTimeout), false)
		t.finish()
	}
}

// finish tears the transaction down.
func (t *serverTSM) finish() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = stateCompleted
	t.mu.Unlock()
	t.app.removeServerTSM(t.peer, t.invokeID)
}
