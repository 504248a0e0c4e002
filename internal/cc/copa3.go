package cc

import "time"

const copa3RingSize = 32 // N≈32 bins approximating a sliding window with O(1) memory

// rttRing is a fixed-size ring of RTT samples used to approximate a sliding
// window minimum (standing RTT) with constant memory, per sliq_cc_copa3.h
// (SPEC_FULL.md §D — recovered from original_source).
type rttRing struct {
	samples [copa3RingSize]time.Duration
	filled  [copa3RingSize]bool
	next    int
}

func (r *rttRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.filled[r.next] = true
	r.next = (r.next + 1) % copa3RingSize
}

func (r *rttRing) min() time.Duration {
	var m time.Duration
	first := true
	for i, ok := range r.filled {
		if !ok {
			continue
		}
		if first || r.samples[i] < m {
			m = r.samples[i]
			first = false
		}
	}
	return m
}

// copa3Impl is Copa3: adds standing-RTT and min-RTT tracking via rttRing
// (both read from the same ring), a velocity state machine keyed off
// same-direction adjustments, a configurable anti-jitter subtracted from
// the queueing delay estimate, and bidirectional min-RTT exchange over
// CC_SYNC. It does not track a minimum timestamp delta.
type copa3Impl struct {
	base

	ring       rttRing
	minRTT     time.Duration
	peerMinRTT time.Duration
	antiJitter time.Duration

	lastDirection int
	velocity      float64

	bytesInFlight int
	lastSendTime  time.Time
}

func newCopa3() *copa3Impl { return &copa3Impl{velocity: 1} }

func (c *copa3Impl) ID() ID { return Copa3 }

func (c *copa3Impl) Configure(p Params) error {
	c.configureCommon(p)
	c.antiJitter = p.AntiJitter
	return nil
}

func (c *copa3Impl) Connected(now time.Time, rtt time.Duration) {
	c.connectedCommon(now, rtt)
	c.minRTT = rtt
	c.ring.add(rtt)
}

func (c *copa3Impl) OnAckPktProcessingStart(now time.Time) {}
func (c *copa3Impl) OnAckPktProcessingDone(now time.Time)  {}

func (c *copa3Impl) OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64) {
	c.srtt = rtt
	c.ring.add(rtt)
	c.minRTT = c.ring.min()
	if c.peerMinRTT > 0 && c.peerMinRTT < c.minRTT {
		c.minRTT = c.peerMinRTT
	}

	standing := c.ring.min()
	qdelay := rtt - standing - c.antiJitter
	if qdelay < 0 {
		qdelay = 0
	}

	target := standing / 2
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

func (c *copa3Impl) OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool {
	c.cwnd -= c.cwnd / 8
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	return true
}

func (c *copa3Impl) OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int) {
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

func (c *copa3Impl) OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) uint32 {
	c.bytesInFlight += totBytes
	c.lastSendTime = now
	return c.allocSeq()
}

func (c *copa3Impl) OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) uint32 {
	if !rto {
		c.bytesInFlight += totBytes
	}
	return c.allocSeq()
}

func (c *copa3Impl) OnRto(pktRexmitted bool) { c.cwnd = c.mss }
func (c *copa3Impl) OnOutageEnd()            {}

func (c *copa3Impl) CanSend(now time.Time, bytes int) bool {
	return c.bytesInFlight+bytes <= c.cwnd
}
func (c *copa3Impl) CanResend(now time.Time, bytes int) bool { return c.CanSend(now, bytes) }

func (c *copa3Impl) TimeUntilSend(now time.Time) time.Duration {
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

func (c *copa3Impl) SendPacingRate() float64 {
	if c.srtt <= 0 {
		return 0
	}
	return float64(c.cwnd) * 8 / c.srtt.Seconds()
}
func (c *copa3Impl) SendRate() float64 { return c.SendPacingRate() }

// GetSyncParams exchanges the locally observed min-RTT so both directions
// of the connection converge on the same standing-RTT baseline (§4.8's
// "minimum-RTT exchange with the peer via CC_SYNC for bidirectional
// accuracy").
func (c *copa3Impl) GetSyncParams() (uint16, uint32) {
	return c.sync.Next(), uint32(c.minRTT.Microseconds())
}

func (c *copa3Impl) ProcessSyncParams(seq uint16, payload uint32) {
	if !c.sync.Accept(seq) {
		return
	}
	c.peerMinRTT = time.Duration(payload) * time.Microsecond
}

func (c *copa3Impl) ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time) {
	// Copa3 relies on the RTT ring rather than packet-pair trains.
}

func (c *copa3Impl) InSlowStart() bool          { return false }
func (c *copa3Impl) InRecovery() bool           { return c.lastDirection < 0 }
func (c *copa3Impl) GetCongestionWindow() int   { return c.cwnd }
func (c *copa3Impl) GetSlowStartThreshold() int { return c.cwnd }
func (c *copa3Impl) UseCwndForCapEst() bool     { return false }
