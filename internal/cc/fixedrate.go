package cc

import "time"

// fixedRateImpl paces at a configured bits-per-second regardless of
// feedback; it exists to test the rest of the stack (sentpkt/rcvpkt/stream)
// in isolation from real congestion-control behavior (§4.8).
type fixedRateImpl struct {
	base
	rateBps float64

	bytesInFlight int
	lastSendTime  time.Time
}

func newFixedRate() *fixedRateImpl { return &fixedRateImpl{} }

func (f *fixedRateImpl) ID() ID { return FixedRate }

func (f *fixedRateImpl) Configure(p Params) error {
	f.configureCommon(p)
	f.rateBps = p.FixedRateBps
	if f.rateBps <= 0 {
		return errBadParams
	}
	return nil
}

func (f *fixedRateImpl) Connected(now time.Time, rtt time.Duration) {
	f.connectedCommon(now, rtt)
}

func (f *fixedRateImpl) OnAckPktProcessingStart(now time.Time) {}
func (f *fixedRateImpl) OnAckPktProcessingDone(now time.Time)  {}
func (f *fixedRateImpl) OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64) {
	f.srtt = rtt
}

func (f *fixedRateImpl) OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool {
	return true // always eligible for retransmission; rate is unaffected
}

func (f *fixedRateImpl) OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int) {
	f.bytesInFlight -= bytes
	if f.bytesInFlight < 0 {
		f.bytesInFlight = 0
	}
}

func (f *fixedRateImpl) OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) uint32 {
	f.bytesInFlight += totBytes
	f.lastSendTime = now
	return f.allocSeq()
}

func (f *fixedRateImpl) OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) uint32 {
	if !rto {
		f.bytesInFlight += totBytes
	}
	return f.allocSeq()
}

func (f *fixedRateImpl) OnRto(pktRexmitted bool) {}
func (f *fixedRateImpl) OnOutageEnd()            {}

func (f *fixedRateImpl) CanSend(now time.Time, bytes int) bool   { return true }
func (f *fixedRateImpl) CanResend(now time.Time, bytes int) bool { return true }

func (f *fixedRateImpl) TimeUntilSend(now time.Time) time.Duration {
	if f.rateBps <= 0 {
		return 0
	}
	interval := time.Duration(float64(f.mss*8) / f.rateBps * float64(time.Second))
	elapsed := now.Sub(f.lastSendTime)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (f *fixedRateImpl) SendPacingRate() float64 { return f.rateBps }
func (f *fixedRateImpl) SendRate() float64        { return f.rateBps }

func (f *fixedRateImpl) GetSyncParams() (uint16, uint32)        { return f.sync.Next(), uint32(f.rateBps) }
func (f *fixedRateImpl) ProcessSyncParams(seq uint16, payload uint32) { f.sync.Accept(seq) }
func (f *fixedRateImpl) ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time) {
}

func (f *fixedRateImpl) InSlowStart() bool          { return false }
func (f *fixedRateImpl) InRecovery() bool           { return false }
func (f *fixedRateImpl) GetCongestionWindow() int   { return 1 << 30 }
func (f *fixedRateImpl) GetSlowStartThreshold() int { return 1 << 30 }
func (f *fixedRateImpl) UseCwndForCapEst() bool     { return false }
