package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sliq/internal/fec"
	"sliq/internal/reliability"
)

func newTestStream(t *testing.T, qcfg QueueConfig) *Stream {
	t.Helper()
	spec := reliability.Spec{Mode: reliability.ReliableARQ}
	s, err := New(1, 0, spec, reliability.Ordered, qcfg, 64, fec.New(), nil, nil, nil)
	require.NoError(t, err)
	return s
}

// enqueue discards the drop-reporting return values for tests that only
// care about the error.
func enqueue(s *Stream, payload []byte, fin bool) error {
	_, _, err := s.Enqueue(payload, fin)
	return err
}

func TestNewRejectsBadPriority(t *testing.T) {
	spec := reliability.Spec{Mode: reliability.BestEffort}
	_, err := New(1, 9, spec, reliability.Unordered, QueueConfig{}, 64, fec.New(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestNewRejectsIncompatibleDelivery(t *testing.T) {
	spec := reliability.Spec{Mode: reliability.BestEffort}
	_, err := New(1, 0, spec, reliability.Ordered, QueueConfig{}, 64, fec.New(), nil, nil, nil)
	assert.ErrorIs(t, err, reliability.ErrInvalidDelivery)
}

func TestEnqueuePumpProducesFrames(t *testing.T) {
	s := newTestStream(t, QueueConfig{MaxPackets: 4, Order: FIFO, Drop: NoDrop})
	require.NoError(t, enqueue(s, []byte("a"), false))
	require.NoError(t, enqueue(s, []byte("b"), false))

	frames := s.Pump(time.Now())
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(0), frames[0].SeqNum)
	assert.Equal(t, uint32(1), frames[1].SeqNum)
}

func TestEnqueueFinTransitionsSendClosed(t *testing.T) {
	s := newTestStream(t, QueueConfig{MaxPackets: 4, Order: FIFO, Drop: NoDrop})
	require.NoError(t, enqueue(s, []byte("a"), true))
	assert.Equal(t, SendClosed, s.State())
	assert.ErrorIs(t, enqueue(s, []byte("late"), false), ErrStreamClosed)
}

func TestNoDropRejectsWhenFull(t *testing.T) {
	s := newTestStream(t, QueueConfig{MaxPackets: 1, Order: FIFO, Drop: NoDrop})
	require.NoError(t, enqueue(s, []byte("a"), false))
	assert.ErrorIs(t, enqueue(s, []byte("b"), false), ErrQueueFull)
}

func TestHeadDropEvictsOldest(t *testing.T) {
	s := newTestStream(t, QueueConfig{MaxPackets: 1, Order: FIFO, Drop: HeadDrop})
	_, dropped, err := s.Enqueue([]byte("a"), false)
	require.NoError(t, err)
	assert.False(t, dropped)

	droppedSeq, dropped, err := s.Enqueue([]byte("b"), false)
	require.NoError(t, err)
	require.True(t, dropped)
	assert.Equal(t, uint32(0), droppedSeq, "the oldest (first-enqueued) packet's seq is reported")
	require.Len(t, s.queue, 1)
	assert.Equal(t, []byte("b"), s.queue[0].payload)
}

func TestTailDropSilentlyDiscardsNew(t *testing.T) {
	s := newTestStream(t, QueueConfig{MaxPackets: 1, Order: FIFO, Drop: TailDrop})
	require.NoError(t, enqueue(s, []byte("a"), false))
	_, dropped, err := s.Enqueue([]byte("b"), false)
	require.NoError(t, err)
	assert.False(t, dropped, "TAIL_DROP discards the new packet silently, not the queued one")
	require.Len(t, s.queue, 1)
	assert.Equal(t, []byte("a"), s.queue[0].payload)
}

func TestOnFinTransitionsRecvClosedThenClosed(t *testing.T) {
	s := newTestStream(t, QueueConfig{})
	s.OnFin()
	assert.Equal(t, RecvClosed, s.State())
	s.CloseLocal()
	assert.Equal(t, Closed, s.State())
}

func TestResetForcesClosed(t *testing.T) {
	s := newTestStream(t, QueueConfig{})
	s.Reset()
	assert.Equal(t, Closed, s.State())
}
