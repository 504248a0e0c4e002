package cc

import "time"

const copa2TrainSamples = 11 // 11 packet pairs for bottleneck estimation

// copa2Impl is Copa2: a fast-startup phase using packet-pair trains to seed
// cwnd at the bandwidth-delay product, then a velocity-scaled closed-loop
// update with an oscillation damper. The TCP-compatibility mode described
// in spec.md §4.8 is left a stub per the Open Questions decision recorded
// in DESIGN.md: it behaves as default Copa2 until TCP coexistence is
// needed, matching the original "work-in-progress" status.
type copa2Impl struct {
	base

	minRTT     time.Duration
	ewmaQDelay time.Duration
	haveQDelay bool

	// fast-startup packet-pair train state
	startupDone    bool
	trainSamples   []float64 // bps estimates
	trainSendTimes map[uint8]time.Time

	// velocity state machine
	lastDirection int // +1 grow, -1 shrink, 0 none yet
	velocity      float64

	// oscillation damper
	damperHoldUntil  time.Time
	damperQuietUntil time.Time

	bytesInFlight int
	lastSendTime  time.Time

	tcpCompatMode bool // stub; always false until TCP coexistence work lands
}

func newCopa2() *copa2Impl {
	return &copa2Impl{velocity: 1, trainSendTimes: make(map[uint8]time.Time)}
}

func (c *copa2Impl) ID() ID { return Copa2 }

func (c *copa2Impl) Configure(p Params) error {
	c.configureCommon(p)
	return nil
}

func (c *copa2Impl) Connected(now time.Time, rtt time.Duration) {
	c.connectedCommon(now, rtt)
	c.minRTT = rtt
}

func (c *copa2Impl) OnAckPktProcessingStart(now time.Time) {}
func (c *copa2Impl) OnAckPktProcessingDone(now time.Time)  {}

func (c *copa2Impl) OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64) {
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
	if !c.startupDone {
		return
	}
	c.velocityUpdate(now, qdelay)
}

// oscillationThreshold is the in-flight queueing delay fraction of min-RTT
// above which Copa2 suspects it's oscillating around the right cwnd.
const oscillationThreshold = 0.5

func (c *copa2Impl) velocityUpdate(now time.Time, qdelay time.Duration) {
	if now.Before(c.damperQuietUntil) {
		return // still in the post-hold quiet RTT
	}
	if c.minRTT > 0 && qdelay > time.Duration(float64(c.minRTT)*oscillationThreshold) {
		if c.damperHoldUntil.IsZero() {
			c.damperHoldUntil = now.Add(c.srtt)
			c.damperQuietUntil = c.damperHoldUntil.Add(c.srtt)
		}
		return
	}
	if now.Before(c.damperHoldUntil) {
		return
	}
	c.damperHoldUntil = time.Time{}
	c.damperQuietUntil = time.Time{}

	target := c.minRTT / 2
	direction := 1
	if qdelay > target {
		direction = -1
	}
	if direction == c.lastDirection {
		c.velocity = min2(c.velocity*2, 16)
	} else {
		c.velocity = 1
	}
	c.lastDirection = direction
	step := int(float64(c.mss) * c.velocity)
	c.cwnd += direction * step
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (c *copa2Impl) OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool {
	c.cwnd -= c.cwnd / 8
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	return true
}

func (c *copa2Impl) OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int) {
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

func (c *copa2Impl) OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) uint32 {
	c.bytesInFlight += totBytes
	c.lastSendTime = now
	return c.allocSeq()
}

func (c *copa2Impl) OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) uint32 {
	if !rto {
		c.bytesInFlight += totBytes
	}
	return c.allocSeq()
}

func (c *copa2Impl) OnRto(pktRexmitted bool) { c.cwnd = c.mss }
func (c *copa2Impl) OnOutageEnd()            {}

func (c *copa2Impl) CanSend(now time.Time, bytes int) bool {
	return c.bytesInFlight+bytes <= c.cwnd
}
func (c *copa2Impl) CanResend(now time.Time, bytes int) bool { return c.CanSend(now, bytes) }

func (c *copa2Impl) TimeUntilSend(now time.Time) time.Duration {
	if !c.startupDone {
		return 0 // fast-startup sends packet pairs back-to-back
	}
	if c.srtt <= 0 || c.cwnd <= 0 {
		return 0
	}
	interval := time.Duration(float64(c.srtt) * float64(c.mss) / float64(2*c.cwnd))
	elapsed := now.Sub(c.lastSendTime)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (c *copa2Impl) SendPacingRate() float64 {
	if c.srtt <= 0 {
		return 0
	}
	return float64(c.cwnd) * 8 / c.srtt.Seconds()
}
func (c *copa2Impl) SendRate() float64 { return c.SendPacingRate() }

func (c *copa2Impl) GetSyncParams() (uint16, uint32) {
	return c.sync.Next(), uint32(c.minRTT.Microseconds())
}
func (c *copa2Impl) ProcessSyncParams(seq uint16, payload uint32) {
	if !c.sync.Accept(seq) {
		return
	}
	peerMinRTT := time.Duration(payload) * time.Microsecond
	if peerMinRTT > 0 && (c.minRTT == 0 || peerMinRTT < c.minRTT) {
		c.minRTT = peerMinRTT
	}
}

// ProcessCcPktTrain feeds one leg of an 11-packet-pair fast-startup train
// (§4.8). Once copa2TrainSamples dispersion estimates are collected, cwnd
// is seeded at the estimated bandwidth-delay product and fast-startup ends.
func (c *copa2Impl) ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time) {
	if c.startupDone {
		return
	}
	if pktIndex == 0 {
		c.trainSendTimes[pktIndex] = recvTS
		return
	}
	prev, ok := c.trainSendTimes[pktIndex-1]
	if !ok {
		return
	}
	c.trainSendTimes[pktIndex] = recvTS
	dispersion := recvTS.Sub(prev)
	if dispersion <= 0 {
		return
	}
	rateBps := float64(c.mss*8) / dispersion.Seconds()
	c.trainSamples = append(c.trainSamples, rateBps)
	if len(c.trainSamples) >= copa2TrainSamples {
		c.finishStartup()
	}
}

func (c *copa2Impl) finishStartup() {
	var sum float64
	for _, s := range c.trainSamples {
		sum += s
	}
	avgBps := sum / float64(len(c.trainSamples))
	if c.minRTT > 0 && avgBps > 0 {
		bdp := avgBps * c.minRTT.Seconds() / 8
		if int(bdp) > c.mss {
			c.cwnd = int(bdp)
		}
	}
	c.startupDone = true
}

func (c *copa2Impl) InSlowStart() bool          { return !c.startupDone }
func (c *copa2Impl) InRecovery() bool           { return !c.damperHoldUntil.IsZero() }
func (c *copa2Impl) GetCongestionWindow() int   { return c.cwnd }
func (c *copa2Impl) GetSlowStartThreshold() int { return c.cwnd }
func (c *copa2Impl) UseCwndForCapEst() bool     { return false }
