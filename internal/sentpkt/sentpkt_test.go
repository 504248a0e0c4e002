package sentpkt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sliq/internal/cc"
	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/wire"
)

// fakeCC is a minimal cc.Instance double letting tests control admission
// and loss decisions directly, the way capacity_test.go's fakeSource
// stands in for a real CC.
type fakeCC struct {
	allowSend  bool
	lostResult bool
	sentCount  int
	resent     int
	acked      int
	lostCalls  int
	rtoCalls   int
}

func (f *fakeCC) ID() cc.ID                                 { return cc.FixedRate }
func (f *fakeCC) Configure(cc.Params) error                  { return nil }
func (f *fakeCC) Connected(time.Time, time.Duration)         {}
func (f *fakeCC) OnAckPktProcessingStart(time.Time)          {}
func (f *fakeCC) OnAckPktProcessingDone(time.Time)           {}
func (f *fakeCC) OnRttUpdate(uint8, time.Time, time.Time, time.Time, uint32, uint32, time.Duration, int, float64) {
}
func (f *fakeCC) OnPacketLost(uint8, time.Time, uint32, uint32, int) bool {
	f.lostCalls++
	return f.lostResult
}
func (f *fakeCC) OnPacketAcked(uint8, time.Time, uint32, uint32, uint32, int) { f.acked++ }
func (f *fakeCC) OnPacketSent(uint8, time.Time, uint32, int, int, *float64) uint32 {
	f.sentCount++
	return uint32(f.sentCount)
}
func (f *fakeCC) OnPacketResent(uint8, time.Time, uint32, int, int, bool, *float64) uint32 {
	f.resent++
	return uint32(1000 + f.resent)
}
func (f *fakeCC) OnRto(bool)                                  { f.rtoCalls++ }
func (f *fakeCC) OnOutageEnd()                                {}
func (f *fakeCC) CanSend(time.Time, int) bool                 { return f.allowSend }
func (f *fakeCC) CanResend(time.Time, int) bool               { return f.allowSend }
func (f *fakeCC) TimeUntilSend(time.Time) time.Duration       { return 0 }
func (f *fakeCC) SendPacingRate() float64                     { return 0 }
func (f *fakeCC) SendRate() float64                           { return 0 }
func (f *fakeCC) GetSyncParams() (uint16, uint32)             { return 0, 0 }
func (f *fakeCC) ProcessSyncParams(uint16, uint32)            {}
func (f *fakeCC) ProcessCcPktTrain(uint16, uint8, uint8, time.Time, time.Time) {}
func (f *fakeCC) InSlowStart() bool                           { return false }
func (f *fakeCC) InRecovery() bool                            { return false }
func (f *fakeCC) GetCongestionWindow() int                    { return 1 << 20 }
func (f *fakeCC) GetSlowStartThreshold() int                  { return 1 << 20 }
func (f *fakeCC) UseCwndForCapEst() bool                       { return false }

func newMgr(t *testing.T, mode reliability.Mode, ccInst *fakeCC) *Manager {
	t.Helper()
	spec := reliability.Spec{Mode: mode, RexmitLimit: 2}
	cfg := Config{WindowPkts: 64, MaxSegmentSize: 1200}
	return New(1, spec, cfg, fec.New(), ccInst, func() time.Duration { return 200 * time.Millisecond }, nil)
}

func TestEnqueueAndSendAssignsSequentialSeqNums(t *testing.T) {
	ccInst := &fakeCC{allowSend: true}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()

	m.Enqueue([]byte("a"), false, false, now)
	m.Enqueue([]byte("b"), false, false, now)

	require.True(t, m.CanSend(now))
	h1 := m.Send(now)
	h2 := m.Send(now)
	require.NotNil(t, h1)
	require.NotNil(t, h2)
	assert.Equal(t, uint32(0), h1.SeqNum)
	assert.Equal(t, uint32(1), h2.SeqNum)
	assert.Equal(t, 2, ccInst.sentCount)
}

func TestCanSendFalseWhenCCBlocks(t *testing.T) {
	ccInst := &fakeCC{allowSend: false}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()
	m.Enqueue([]byte("a"), false, false, now)
	assert.False(t, m.CanSend(now))
}

func TestOnAckCumulativeAcksAdvanceSndUna(t *testing.T) {
	ccInst := &fakeCC{allowSend: true}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.Enqueue([]byte("x"), false, false, now)
		m.Send(now)
	}
	require.Equal(t, uint32(0), m.SndUna())

	ack := &wire.AckHeader{NextExpected: 2, LargestObserved: 1}
	retransmits, moveFwd := m.OnAck(ack, now.Add(10*time.Millisecond))
	assert.Empty(t, retransmits)
	assert.Nil(t, moveFwd)
	assert.Equal(t, uint32(2), m.SndUna())
	assert.Equal(t, 2, ccInst.acked)
}

func TestFastRetransmitCandidateAfterThreeAdvances(t *testing.T) {
	ccInst := &fakeCC{allowSend: true, lostResult: true}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()

	for i := 0; i < 5; i++ {
		m.Enqueue([]byte("x"), false, false, now)
		m.Send(now)
	}
	// seq 0 unacked, largest observed jumps to 3: 0+FastRexmitDist(3) <= 3
	ack := &wire.AckHeader{NextExpected: 0, LargestObserved: 3}
	retransmits, _ := m.OnAck(ack, now)
	require.Len(t, retransmits, 1)
	assert.Equal(t, uint32(0), retransmits[0].SeqNum)
	assert.Equal(t, uint8(1), retransmits[0].RetransmitCount)
	assert.Equal(t, 1, ccInst.lostCalls)
	assert.Equal(t, 1, ccInst.resent)
}

func TestSemiReliableDropsAfterRexmitLimit(t *testing.T) {
	ccInst := &fakeCC{allowSend: true, lostResult: true}
	m := newMgr(t, reliability.SemiReliableARQ, ccInst)
	now := time.Now()
	m.Enqueue([]byte("x"), false, false, now)
	m.Send(now)
	m.Enqueue([]byte("y"), false, false, now)
	m.Enqueue([]byte("z"), false, false, now)
	m.Enqueue([]byte("w"), false, false, now)
	m.Send(now)
	m.Send(now)
	m.Send(now)

	ack := &wire.AckHeader{NextExpected: 0, LargestObserved: 3}
	// drive seq 0 through its RexmitLimit (2) retransmissions.
	for i := 0; i < 3; i++ {
		retransmits, moveFwd := m.OnAck(ack, now)
		if i < 2 {
			require.Len(t, retransmits, 1)
			assert.Nil(t, moveFwd)
		} else {
			assert.Empty(t, retransmits)
			require.NotNil(t, moveFwd)
			assert.Equal(t, uint32(1), *moveFwd)
		}
	}
}

func TestBestEffortNeverRetransmits(t *testing.T) {
	ccInst := &fakeCC{allowSend: true, lostResult: true}
	m := newMgr(t, reliability.BestEffort, ccInst)
	now := time.Now()
	m.Enqueue([]byte("x"), false, false, now)
	m.Send(now)
	m.Enqueue([]byte("y"), false, false, now)
	m.Enqueue([]byte("z"), false, false, now)
	m.Enqueue([]byte("w"), false, false, now)
	m.Send(now)
	m.Send(now)
	m.Send(now)

	ack := &wire.AckHeader{NextExpected: 0, LargestObserved: 3}
	retransmits, moveFwd := m.OnAck(ack, now)
	assert.Empty(t, retransmits)
	require.NotNil(t, moveFwd)
	assert.Equal(t, 0, ccInst.resent)
}

func TestFECGroupClosesAtKAndQueuesRepair(t *testing.T) {
	ccInst := &fakeCC{allowSend: true}
	spec := reliability.Spec{Mode: reliability.SemiReliableARQFEC, RexmitLimit: 3, TargetPktRecvProb: 0.99, TargetRounds: 2}
	cfg := Config{WindowPkts: 64, FecK: 4, FecMaxRounds: 2, AssumedLossRate: 0.1}
	m := New(1, spec, cfg, fec.New(), ccInst, nil, nil)
	now := time.Now()

	for i := 0; i < 4; i++ {
		m.Enqueue([]byte("data"), false, false, now)
	}
	require.Len(t, m.readyQ, 5) // 4 source + at least 1 repair shard queued at group close

	var sawRepair bool
	for _, h := range m.readyQ {
		if h.HasFEC() && h.FEC.PktType == wire.FECEncoded {
			sawRepair = true
			assert.Equal(t, uint8(4), h.FEC.NumSource)
		}
	}
	assert.True(t, sawRepair)
}

func TestOldestOutstandingReturnsLowestUnacked(t *testing.T) {
	ccInst := &fakeCC{allowSend: true}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()
	for i := 0; i < 3; i++ {
		m.Enqueue([]byte("x"), false, false, now)
		m.Send(now)
	}
	e := m.OldestOutstanding()
	require.NotNil(t, e)
	assert.Equal(t, uint32(0), e.Seq)
}

func TestCountsReflectInFlightAndPipe(t *testing.T) {
	ccInst := &fakeCC{allowSend: true, lostResult: true}
	m := newMgr(t, reliability.ReliableARQ, ccInst)
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.Enqueue([]byte("xxxx"), false, false, now)
		m.Send(now)
	}
	pif, bif, pipe := m.Counts()
	assert.Equal(t, 5, pif)
	assert.Equal(t, 20, bif)
	assert.Equal(t, 20, pipe)

	ack := &wire.AckHeader{NextExpected: 0, LargestObserved: 3}
	m.OnAck(ack, now) // seq 0 becomes lost+retransmitted
	_, bif2, pipe2 := m.Counts()
	assert.Equal(t, bif, bif2) // no new bytes enter flight, same 5 outstanding packets
	assert.Equal(t, bif2+4, pipe2) // seq 0's bytes now counted twice
}
