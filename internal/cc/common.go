package cc

import "time"

// base holds the bookkeeping shared by every variant: the cc-seq-num
// allocator, the CC_SYNC sequence helper, connection/SRTT state, and the
// cwnd/ssthresh/mss window fields. Bytes in flight are tracked by each
// variant itself.
// Each variant embeds base by value and calls its helpers explicitly —
// Go has no implementation inheritance, so this is composition, not a
// virtual base class.
type base struct {
	nextCCSeq uint32
	sync      SyncSeq
	connected bool
	connectAt time.Time
	srtt      time.Duration

	cwnd     int // bytes
	ssthresh int // bytes
	mss      int

	inRecovery bool
}

func (b *base) allocSeq() uint32 {
	b.nextCCSeq++
	return b.nextCCSeq
}

func (b *base) configureCommon(p Params) {
	b.mss = p.MaxSegmentSize
	if b.mss <= 0 {
		b.mss = 1200
	}
	if p.InitialCwndPackets <= 0 {
		p.InitialCwndPackets = 10
	}
	b.cwnd = p.InitialCwndPackets * b.mss
	if p.MaxCwndPackets > 0 {
		maxCwnd := p.MaxCwndPackets * b.mss
		if b.cwnd > maxCwnd {
			b.cwnd = maxCwnd
		}
	}
	b.ssthresh = 1 << 30 // effectively unbounded until first loss
}

func (b *base) connectedCommon(now time.Time, rtt time.Duration) {
	b.connected = true
	b.connectAt = now
	b.srtt = rtt
}

func (b *base) inSlowStart() bool { return b.cwnd < b.ssthresh }

// pacingSender paces sends at cwnd/srtt, the way sliq_cc_pacing_sender.h
// wraps a rate computation around any window-based CC rather than folding
// it into the main algorithm (SPEC_FULL.md §D.2).
type pacingSender struct {
	lastSend time.Time
}

func (p *pacingSender) timeUntilSend(now time.Time, cwndBytes, bytesInFlight int, srtt time.Duration, mss int) time.Duration {
	if srtt <= 0 || cwndBytes <= 0 {
		return 0
	}
	if bytesInFlight+mss <= cwndBytes {
		return 0
	}
	// pace the excess over one RTT
	rate := float64(cwndBytes) / srtt.Seconds()
	if rate <= 0 {
		return 0
	}
	excess := float64(bytesInFlight + mss - cwndBytes)
	d := time.Duration(excess / rate * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d
}

// prr implements RFC 6937 Proportional Rate Reduction's pacing of
// retransmissions/new data during fast recovery (SPEC_FULL.md §D.2).
type prr struct {
	active      bool
	prrDelivered int
	prrOut       int
	recoverFlight int
	ssthresh      int
}

func (p *prr) start(bytesInFlight, newSsthresh int) {
	p.active = true
	p.prrDelivered = 0
	p.prrOut = 0
	p.recoverFlight = bytesInFlight
	p.ssthresh = newSsthresh
}

func (p *prr) onAck(ackedBytes int) {
	if p.active {
		p.prrDelivered += ackedBytes
	}
}

// canSend decides whether PRR permits another send at bytesInFlight, following the
// RFC 6937 "proportional" rule: keep the ratio of bytes sent during
// recovery to bytes delivered close to ssthresh/recoverFlight.
func (p *prr) canSend(bytesInFlight int) bool {
	if !p.active {
		return true
	}
	if bytesInFlight < p.ssthresh {
		return true
	}
	limit := p.prrDelivered * p.ssthresh / max(p.recoverFlight, 1)
	return p.prrOut < limit
}

func (p *prr) onSend(bytes int) {
	if p.active {
		p.prrOut += bytes
	}
}

func (p *prr) end() { p.active = false }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// hystart is Hybrid Slow Start's delay-based exit signal (no ACK-train):
// over rounds of hystartMinSamples RTT samples, slow start ends early when a
// round's minimum RTT exceeds the previous round's minimum by more than an
// eighth of it (at least 1ms) (SPEC_FULL.md §D.3).
type hystart struct {
	roundMinRTT   time.Duration
	lastRoundMin  time.Duration
	sampleCount   int
	exitedForRTT  bool
}

const (
	hystartMinSamples = 8
	hystartDelayThreshFactor = 8 // exit if roundMinRTT - lastRoundMin > lastRoundMin/8
)

func (h *hystart) reset() {
	h.roundMinRTT = 0
	h.sampleCount = 0
	h.exitedForRTT = false
}

// onRTTSample feeds one RTT sample during slow start and returns true the
// round it decides slow start should end.
func (h *hystart) onRTTSample(rtt time.Duration) bool {
	if h.roundMinRTT == 0 || rtt < h.roundMinRTT {
		h.roundMinRTT = rtt
	}
	h.sampleCount++
	if h.sampleCount < hystartMinSamples {
		return false
	}
	if h.lastRoundMin > 0 {
		thresh := h.lastRoundMin / hystartDelayThreshFactor
		if thresh < time.Millisecond {
			thresh = time.Millisecond
		}
		if h.roundMinRTT > h.lastRoundMin+thresh {
			h.exitedForRTT = true
			return true
		}
	}
	h.lastRoundMin = h.roundMinRTT
	h.roundMinRTT = 0
	h.sampleCount = 0
	return false
}
