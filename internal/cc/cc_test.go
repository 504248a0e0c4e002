package cc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Params{InitialCwndPackets: 10, MaxCwndPackets: 1000, MaxSegmentSize: 1200, FixedRateBps: 1e6}
}

func TestNewByIDCoversAllVariants(t *testing.T) {
	for _, id := range []ID{Cubic, Copa, Copa2, Copa3, FixedRate} {
		inst, err := NewByID(id)
		require.NoError(t, err)
		require.Equal(t, id, inst.ID())
		require.NoError(t, inst.Configure(defaultParams()))
		inst.Connected(time.Now(), 50*time.Millisecond)
	}
}

func TestNewByIDRejectsUnknown(t *testing.T) {
	_, err := NewByID(ID(99))
	assert.ErrorIs(t, err, errUnknownID)
}

func TestCubicGrowsInSlowStartThenReactsToLoss(t *testing.T) {
	c := newCubic()
	require.NoError(t, c.Configure(defaultParams()))
	now := time.Now()
	c.Connected(now, 20*time.Millisecond)
	require.True(t, c.InSlowStart())

	before := c.GetCongestionWindow()
	seq := c.OnPacketSent(1, now, 1, 1000, 1200, nil)
	assert.NotZero(t, seq)
	c.OnPacketAcked(1, now, 1, seq, 2, 1200)
	assert.Greater(t, c.GetCongestionWindow(), before)

	lost := c.OnPacketLost(1, now, 2, 2, 1200)
	assert.True(t, lost)
	assert.Less(t, c.GetCongestionWindow(), before+1200*20)
	assert.True(t, c.InRecovery())
}

func TestCubicRtoResetsToMinimum(t *testing.T) {
	c := newCubic()
	require.NoError(t, c.Configure(defaultParams()))
	c.Connected(time.Now(), 20*time.Millisecond)
	c.OnRto(true)
	assert.Equal(t, c.mss, c.GetCongestionWindow())
}

func TestCopaAdjustsTowardTarget(t *testing.T) {
	c := newCopa()
	require.NoError(t, c.Configure(defaultParams()))
	now := time.Now()
	c.Connected(now, 20*time.Millisecond)
	before := c.GetCongestionWindow()
	// RTT equal to minRTT => zero queueing delay => should increase.
	c.OnRttUpdate(1, now, now, now, 1, 1, 20*time.Millisecond, 1200, 0)
	assert.GreaterOrEqual(t, c.GetCongestionWindow(), before)
}

func TestCopa2StartupThenVelocity(t *testing.T) {
	c := newCopa2()
	require.NoError(t, c.Configure(defaultParams()))
	now := time.Now()
	c.Connected(now, 20*time.Millisecond)
	assert.True(t, c.InSlowStart())

	// A train of copa2TrainSamples+1 packets yields copa2TrainSamples
	// back-to-back dispersion samples.
	const trainLen = copa2TrainSamples + 1
	t0 := now
	c.ProcessCcPktTrain(1, 0, trainLen, t0, t0)
	for i := uint8(1); i < trainLen; i++ {
		t0 = t0.Add(time.Millisecond)
		c.ProcessCcPktTrain(1, i, trainLen, t0, t0)
	}
	assert.False(t, c.InSlowStart())
	assert.Greater(t, c.GetCongestionWindow(), 0)
}

func TestCopa3RingTracksMin(t *testing.T) {
	var r rttRing
	r.add(50 * time.Millisecond)
	r.add(10 * time.Millisecond)
	r.add(30 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, r.min())
}

func TestCopa3SyncExchangesMinRTT(t *testing.T) {
	local := newCopa3()
	require.NoError(t, local.Configure(defaultParams()))
	local.Connected(time.Now(), 40*time.Millisecond)

	peer := newCopa3()
	require.NoError(t, peer.Configure(defaultParams()))
	peer.Connected(time.Now(), 10*time.Millisecond)

	seq, payload := peer.GetSyncParams()
	local.ProcessSyncParams(seq, payload)
	assert.Equal(t, 10*time.Millisecond, local.peerMinRTT)
}

func TestFixedRatePacesAtConfiguredRate(t *testing.T) {
	f := newFixedRate()
	require.NoError(t, f.Configure(Params{MaxSegmentSize: 1000, FixedRateBps: 8000})) // 1 pkt/sec
	now := time.Now()
	f.Connected(now, 10*time.Millisecond)
	f.OnPacketSent(1, now, 1, 1000, 1000, nil)
	d := f.TimeUntilSend(now)
	assert.InDelta(t, time.Second, d, float64(5*time.Millisecond))
}

func TestFixedRateRejectsZeroRate(t *testing.T) {
	f := newFixedRate()
	err := f.Configure(Params{MaxSegmentSize: 1000})
	assert.ErrorIs(t, err, errBadParams)
}

func TestSyncSeqWraparound(t *testing.T) {
	var s SyncSeq
	s.seq = 65534
	assert.True(t, s.Accept(65535))
	assert.True(t, s.Accept(0))
	assert.False(t, s.Accept(0))
}
