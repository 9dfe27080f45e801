package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
)

func TestSplitSegments(t *testing.T) {
	data := make([]byte, 100)
	segs := splitSegments(data, 30)
	require.Len(t, segs, 4)
	assert.Len(t, segs[0], 30)
	assert.Len(t, segs[3], 10)

	segs = splitSegments(data, 100)
	assert.Len(t, segs, 1)

	segs = splitSegments(nil, 10)
	assert.Len(t, segs, 1)
	assert.Empty(t, segs[0])
}

// drain claims every index the open window allows.
func drain(tx *segmentTx) []int {
	var out []int
	for {
		i, ok := tx.next()
		if !ok {
			return out
		}
		out = append(out, i)
	}
}

func TestSegmentTxWindow(t *testing.T) {
	tx := &segmentTx{segments: [][]byte{{1}, {2}, {3}, {4}, {5}}, window: 2}

	assert.Equal(t, []int{0, 1}, drain(tx), "first window")

	// Ack of segment 0 opens one more slot.
	require.True(t, tx.onAck(0, 2))
	assert.Equal(t, []int{2}, drain(tx))

	// Duplicate ack must not extend the window.
	assert.False(t, tx.onAck(0, 2))
	assert.Empty(t, drain(tx))

	// Ack through segment 2 slides two slots.
	require.True(t, tx.onAck(2, 2))
	assert.Equal(t, []int{3, 4}, drain(tx))
	assert.False(t, tx.done())

	require.True(t, tx.onAck(4, 2))
	assert.True(t, tx.done())
}

func TestSegmentTxRetransmit(t *testing.T) {
	tx := &segmentTx{segments: [][]byte{{1}, {2}, {3}}, window: 2}

	drain(tx)
	require.True(t, tx.onAck(0, 2))
	tx.rewind()
	assert.Equal(t, []int{1, 2}, drain(tx), "retransmit resumes after the acknowledged prefix")
}

func makeSegment(seq uint8, window uint8, more bool, payload []byte) *apdu.APDU {
	return &apdu.APDU{
		Type:        bacnet.PDUTypeComplexAck,
		Segmented:   true,
		MoreFollows: more,
		Sequence:    seq,
		Window:      window,
		Data:        payload,
	}
}

func TestSegmentRxInOrder(t *testing.T) {
	rx := &segmentRx{}

	// First segment is acknowledged immediately and pins the window.
	ack, final := rx.accept(makeSegment(0, 4, true, []byte{1}), 8)
	assert.True(t, ack)
	assert.False(t, final)
	assert.Equal(t, uint8(4), rx.window)
	assert.Equal(t, uint8(0), rx.lastSequence())

	ack, _ = rx.accept(makeSegment(1, 4, true, []byte{2}), 8)
	assert.False(t, ack)
	ack, _ = rx.accept(makeSegment(2, 4, true, []byte{3}), 8)
	assert.False(t, ack)
	ack, _ = rx.accept(makeSegment(3, 4, true, []byte{4}), 8)
	assert.False(t, ack)
	// Window full.
	ack, final = rx.accept(makeSegment(4, 4, true, []byte{5}), 8)
	assert.True(t, ack)
	assert.False(t, final)

	// Final segment always acks and completes.
	ack, final = rx.accept(makeSegment(5, 4, false, []byte{6}), 8)
	assert.True(t, ack)
	assert.True(t, final)
	assert.True(t, rx.complete)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, rx.buf)
}

func TestSegmentRxOutOfOrder(t *testing.T) {
	rx := &segmentRx{}
	rx.accept(makeSegment(0, 4, true, []byte{1}), 8)

	// A skipped sequence number is re-acked without advancing.
	ack, final := rx.accept(makeSegment(2, 4, true, []byte{3}), 8)
	assert.True(t, ack)
	assert.False(t, final)
	assert.Equal(t, uint8(0), rx.lastSequence())
	assert.Equal(t, []byte{1}, rx.buf)

	// Duplicates likewise.
	ack, _ = rx.accept(makeSegment(0, 4, true, []byte{1}), 8)
	assert.True(t, ack)
	assert.Equal(t, []byte{1}, rx.buf)
}

func TestSegmentRxWindowClamp(t *testing.T) {
	rx := &segmentRx{}
	rx.accept(makeSegment(0, 100, true, []byte{1}), 4)
	assert.Equal(t, uint8(4), rx.window, "proposed window clamps the peer's offer")
}
