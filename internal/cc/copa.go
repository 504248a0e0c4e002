package cc

import (
	"math/rand"
	"time"
)

// copaImpl is Copa (Beta 1): a utility-maximizing target-rate algorithm.
// It paces inter-send times directly rather than releasing a window's
// worth of packets at once, and tracks an EWMA "queueing delay" (RTT minus
// observed min-RTT) to decide whether to grow or shrink cwnd each RTT.
type copaImpl struct {
	base
	delta float64 // constant delta; Configure replaces 0 with copaDefaultDelta

	minRTT      time.Duration
	ewmaQDelay  time.Duration
	haveQDelay  bool

	bytesInFlight int
	lastSendTime  time.Time
	randomizeSend bool
}

const (
	copaDefaultDelta  = 0.5
	copaEwmaAlpha     = 0.25
)

func newCopa() *copaImpl { return &copaImpl{randomizeSend: true} }

func (c *copaImpl) ID() ID { return Copa }

func (c *copaImpl) Configure(p Params) error {
	c.configureCommon(p)
	c.delta = p.CopaDeltaConst
	if c.delta <= 0 {
		c.delta = copaDefaultDelta
	}
	return nil
}

func (c *copaImpl) Connected(now time.Time, rtt time.Duration) {
	c.connectedCommon(now, rtt)
	c.minRTT = rtt
}

func (c *copaImpl) OnAckPktProcessingStart(now time.Time) {}
func (c *copaImpl) OnAckPktProcessingDone(now time.Time)  {}

func (c *copaImpl) OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64) {
	c.srtt = rtt
	if c.minRTT == 0 || rtt < c.minRTT {
		c.minRTT = rtt
	}
	qdelay := rtt - c.minRTT
	if qdelay < 0 {
		qdelay = 0
	}
	if !c.haveQDelay {
		c.ewmaQDelay = qdelay
		c.haveQDelay = true
	} else {
		c.ewmaQDelay = time.Duration(copaEwmaAlpha*float64(qdelay) + (1-copaEwmaAlpha)*float64(c.ewmaQDelay))
	}
	c.updateWindow(bytes)
}

func (c *copaImpl) updateWindow(ackedBytes int) {
	if c.minRTT <= 0 {
		return
	}
	target := time.Duration(float64(c.minRTT) / c.delta)
	increasing := c.ewmaQDelay <= target
	step := float64(c.mss*ackedBytes) / (c.delta * float64(max(c.cwnd, c.mss)))
	if increasing {
		c.cwnd += int(step)
	} else {
		c.cwnd -= int(step)
	}
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
}

func (c *copaImpl) OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool {
	// Copa is delay-based, so its loss response is mild: every reported
	// loss trims cwnd by one eighth, never below one MSS.
	c.cwnd -= c.cwnd / 8
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	return true
}

func (c *copaImpl) OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int) {
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

func (c *copaImpl) OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) uint32 {
	c.bytesInFlight += totBytes
	c.lastSendTime = now
	return c.allocSeq()
}

func (c *copaImpl) OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) uint32 {
	if !rto {
		c.bytesInFlight += totBytes
	}
	return c.allocSeq()
}

func (c *copaImpl) OnRto(pktRexmitted bool) {
	c.cwnd = c.mss
}

func (c *copaImpl) OnOutageEnd() {}

func (c *copaImpl) CanSend(now time.Time, bytes int) bool {
	return c.bytesInFlight+bytes <= c.cwnd
}

func (c *copaImpl) CanResend(now time.Time, bytes int) bool { return c.CanSend(now, bytes) }

func (c *copaImpl) TimeUntilSend(now time.Time) time.Duration {
	if c.srtt <= 0 || c.cwnd <= 0 {
		return 0
	}
	interval := time.Duration(float64(c.srtt) * float64(c.mss) / float64(2*c.cwnd))
	if c.randomizeSend && interval > 0 {
		jitter := time.Duration(rand.Int63n(int64(interval)/4 + 1))
		interval = interval - interval/8 + jitter
	}
	elapsed := now.Sub(c.lastSendTime)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (c *copaImpl) SendPacingRate() float64 {
	if c.srtt <= 0 {
		return 0
	}
	return float64(c.cwnd) * 8 / c.srtt.Seconds()
}

func (c *copaImpl) SendRate() float64 { return c.SendPacingRate() }

func (c *copaImpl) GetSyncParams() (uint16, uint32) {
	return c.sync.Next(), uint32(c.minRTT.Microseconds())
}

func (c *copaImpl) ProcessSyncParams(seq uint16, payload uint32) {
	if !c.sync.Accept(seq) {
		return
	}
	peerMinRTT := time.Duration(payload) * time.Microsecond
	if peerMinRTT > 0 && (c.minRTT == 0 || peerMinRTT < c.minRTT) {
		c.minRTT = peerMinRTT
	}
}

func (c *copaImpl) ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time) {
	// Copa (v1) doesn't use packet trains; Copa2/Copa3 do.
}

func (c *copaImpl) InSlowStart() bool          { return false }
func (c *copaImpl) InRecovery() bool           { return false }
func (c *copaImpl) GetCongestionWindow() int   { return c.cwnd }
func (c *copaImpl) GetSlowStartThreshold() int { return c.cwnd }
func (c *copaImpl) UseCwndForCapEst() bool     { return false }
