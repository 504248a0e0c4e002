package rcvpkt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/wire"
)

func newManager(t *testing.T, mode reliability.Mode, delivery reliability.Delivery) *Manager {
	t.Helper()
	return New(1, reliability.Spec{Mode: mode, RexmitLimit: 3}, delivery, 64, fec.New(), nil)
}

func dataHdr(seq uint32, payload string) *wire.DataHeader {
	return &wire.DataHeader{SeqNum: seq, Payload: []byte(payload), Timestamp: seq * 1000}
}

func TestInOrderDeliveryReliable(t *testing.T) {
	m := newManager(t, reliability.ReliableARQ, reliability.Ordered)
	now := time.Now()

	for seq := uint32(100); seq < 105; seq++ {
		ack, err := m.AddPkt(dataHdr(seq, "x"), now)
		require.NoError(t, err)
		assert.False(t, ack) // strictly in-order arrivals don't need an immediate ack
	}
	delivered := m.DeliverReady()
	require.Len(t, delivered, 5)
	assert.Equal(t, uint32(105), m.RcvNxt())
}

func TestDuplicateTriggersImmediateAck(t *testing.T) {
	m := newManager(t, reliability.ReliableARQ, reliability.Ordered)
	now := time.Now()
	_, err := m.AddPkt(dataHdr(1, "a"), now)
	require.NoError(t, err)
	ack, err := m.AddPkt(dataHdr(1, "a"), now)
	require.NoError(t, err)
	assert.True(t, ack)
}

func TestOutOfOrderThenGapFillDelivers(t *testing.T) {
	m := newManager(t, reliability.ReliableARQ, reliability.Ordered)
	now := time.Now()

	// seq 0 opens the receive window; seq 1 then goes missing.
	_, err := m.AddPkt(dataHdr(0, "z"), now)
	require.NoError(t, err)
	require.Len(t, m.DeliverReady(), 1)

	ack, err := m.AddPkt(dataHdr(2, "b"), now)
	require.NoError(t, err)
	assert.True(t, ack) // advances rcv_max out of order

	delivered := m.DeliverReady()
	assert.Empty(t, delivered) // seq 1 still missing

	ack, err = m.AddPkt(dataHdr(1, "a"), now)
	require.NoError(t, err)
	assert.True(t, ack) // fills the gap

	delivered = m.DeliverReady()
	require.Len(t, delivered, 2)
	assert.Equal(t, uint32(1), delivered[0].Seq)
	assert.Equal(t, uint32(2), delivered[1].Seq)
}

func TestUnorderedDeliversAsSoonAsReceived(t *testing.T) {
	m := newManager(t, reliability.BestEffort, reliability.Unordered)
	now := time.Now()

	_, err := m.AddPkt(dataHdr(5, "x"), now)
	require.NoError(t, err)
	delivered := m.DeliverReady()
	require.Len(t, delivered, 1)
	assert.Equal(t, uint32(5), delivered[0].Seq)
}

func TestWindowOverflowIsFatal(t *testing.T) {
	m := newManager(t, reliability.BestEffort, reliability.Unordered)
	now := time.Now()
	_, err := m.AddPkt(dataHdr(1, "a"), now)
	require.NoError(t, err)

	_, err = m.AddPkt(dataHdr(1+64*overflowFactor+10, "b"), now)
	assert.ErrorIs(t, err, ErrWindowOverflow)
}

func TestMoveForwardSkipsAndDelivers(t *testing.T) {
	m := newManager(t, reliability.SemiReliableARQ, reliability.Unordered)
	now := time.Now()

	_, err := m.AddPkt(dataHdr(1, "a"), now)
	require.NoError(t, err)

	h := dataHdr(51, "z")
	h.Flags |= wire.FlagMoveFwd
	h.MoveForwardSeq = 51
	_, err = m.AddPkt(h, now)
	require.NoError(t, err)

	delivered := m.DeliverReady()
	require.Len(t, delivered, 2) // seq 1 and seq 51; seq 2..50 skipped
	assert.Equal(t, uint32(52), m.RcvNxt())
}

func TestFECRegenerationFillsMissingSource(t *testing.T) {
	m := newManager(t, reliability.SemiReliableARQFEC, reliability.Unordered)
	now := time.Now()

	codec := fec.New()
	source := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd")}
	repair, err := codec.Encode(source, 2)
	require.NoError(t, err)
	m.codec = codec

	groupID := uint32(200)
	// Source index 1 (seq 201) is "lost" and never delivered to AddPkt.
	for i, payload := range source {
		if i == 1 {
			continue
		}
		h := dataHdr(groupID+uint32(i), string(payload))
		h.Flags |= wire.FlagHasFEC
		h.FEC = wire.FECBlock{GroupID: groupID, GroupIndex: uint8(i), NumSource: 4}
		_, err := m.AddPkt(h, now)
		require.NoError(t, err)
	}
	for i, payload := range repair {
		// Repair packets take the sequence numbers right after the group's sources.
		h := dataHdr(groupID+4+uint32(i), string(payload))
		h.Flags |= wire.FlagHasFEC
		h.FEC = wire.FECBlock{GroupID: groupID, GroupIndex: uint8(4 + i), NumSource: 4}
		_, err := m.AddPkt(h, now)
		require.NoError(t, err)
	}

	delivered := m.DeliverReady()
	var sawRegenerated bool
	for _, e := range delivered {
		if e.Seq == groupID+1 {
			sawRegenerated = true
			assert.True(t, e.has(FlagRegenerated))
			assert.Equal(t, []byte("bbbb"), e.Payload)
		}
	}
	assert.True(t, sawRegenerated)
}
