package cc

import (
	"math"
	"time"
)

// cubicImpl is TCP Cubic (bytes-based): RFC 5681 slow start, the Cubic
// growth curve (RFC 8312) with C=0.4, beta=0.7, Hybrid Slow Start's
// delay-based exit, and PRR-paced fast recovery (§4.8).
type cubicImpl struct {
	base
	pacer pacingSender
	prr   prr
	hy    hystart

	wMax        float64 // bytes, cwnd at last loss
	epochStart  time.Time
	originPoint float64

	bytesInFlight int
	lastSendRate  float64
}

const (
	cubicC    = 0.4
	cubicBeta = 0.7
)

func newCubic() *cubicImpl { return &cubicImpl{} }

func (c *cubicImpl) ID() ID { return Cubic }

func (c *cubicImpl) Configure(p Params) error {
	c.configureCommon(p)
	return nil
}

func (c *cubicImpl) Connected(now time.Time, rtt time.Duration) {
	c.connectedCommon(now, rtt)
	c.hy.reset()
}

func (c *cubicImpl) OnAckPktProcessingStart(now time.Time) {}
func (c *cubicImpl) OnAckPktProcessingDone(now time.Time)  {}

func (c *cubicImpl) OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64) {
	c.srtt = rtt
	if c.inSlowStart() {
		if c.hy.onRTTSample(rtt) {
			c.ssthresh = c.cwnd
		}
	}
}

func (c *cubicImpl) OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool {
	c.wMax = float64(c.cwnd)
	c.cwnd = int(float64(c.cwnd) * cubicBeta)
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	c.ssthresh = c.cwnd
	c.epochStart = time.Time{} // restart the cubic curve from this point
	if !c.prr.active {
		c.prr.start(c.bytesInFlight, c.ssthresh)
		c.inRecovery = true
	}
	return true
}

func (c *cubicImpl) OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int) {
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	c.prr.onAck(bytes)
	if c.inRecovery {
		if neSeq > seq {
			c.inRecovery = false
			c.prr.end()
		}
		return
	}
	if c.inSlowStart() {
		c.cwnd += bytes
		return
	}
	c.cwnd = int(c.cubicWindow(now))
}

// cubicWindow evaluates the RFC 8312 curve W_cubic(t) = C*(t-K)^3 + W_max.
func (c *cubicImpl) cubicWindow(now time.Time) float64 {
	if c.epochStart.IsZero() {
		c.epochStart = now
		if c.wMax <= float64(c.cwnd) {
			c.originPoint = float64(c.cwnd)
			c.wMax = float64(c.cwnd)
		} else {
			c.originPoint = c.wMax
		}
	}
	t := now.Sub(c.epochStart).Seconds()
	k := math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC / float64(max(c.mss, 1)))
	target := cubicC*math.Pow(t-k, 3)*float64(c.mss) + c.originPoint
	if target < float64(c.cwnd) {
		target = float64(c.cwnd) + 1
	}
	return target
}

func (c *cubicImpl) OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) uint32 {
	c.bytesInFlight += totBytes
	c.prr.onSend(totBytes)
	return c.allocSeq()
}

func (c *cubicImpl) OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) uint32 {
	if !rto {
		c.bytesInFlight += totBytes
	}
	return c.allocSeq()
}

func (c *cubicImpl) OnRto(pktRexmitted bool) {
	c.wMax = float64(c.cwnd)
	c.cwnd = c.mss
	c.ssthresh = int(float64(c.wMax) * cubicBeta)
	c.epochStart = time.Time{}
	c.inRecovery = false
	c.prr.end()
}

func (c *cubicImpl) OnOutageEnd() {
	c.epochStart = time.Time{}
}

func (c *cubicImpl) CanSend(now time.Time, bytes int) bool {
	return c.bytesInFlight+bytes <= c.cwnd
}

func (c *cubicImpl) CanResend(now time.Time, bytes int) bool {
	return c.prr.canSend(c.bytesInFlight)
}

func (c *cubicImpl) TimeUntilSend(now time.Time) time.Duration {
	return c.pacer.timeUntilSend(now, c.cwnd, c.bytesInFlight, c.srtt, c.mss)
}

func (c *cubicImpl) SendPacingRate() float64 {
	if c.srtt <= 0 {
		return 0
	}
	return float64(c.cwnd) * 8 / c.srtt.Seconds()
}

func (c *cubicImpl) SendRate() float64 { return c.SendPacingRate() }

func (c *cubicImpl) GetSyncParams() (uint16, uint32) {
	return c.sync.Next(), uint32(c.cwnd)
}

func (c *cubicImpl) ProcessSyncParams(seq uint16, payload uint32) {
	c.sync.Accept(seq) // Cubic doesn't use the peer's cwnd hint; just tracks freshness
}

func (c *cubicImpl) ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time) {
	// Cubic doesn't use packet-pair trains; only Copa2/Copa3 do (§4.8).
}

func (c *cubicImpl) InSlowStart() bool            { return c.inSlowStart() }
func (c *cubicImpl) InRecovery() bool             { return c.inRecovery }
func (c *cubicImpl) GetCongestionWindow() int     { return c.cwnd }
func (c *cubicImpl) GetSlowStartThreshold() int   { return c.ssthresh }
func (c *cubicImpl) UseCwndForCapEst() bool       { return true }
