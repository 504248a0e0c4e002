// Package cc holds the five SLIQ congestion-control variants behind one
// interface (C8): TCP Cubic, Copa, Copa2, Copa3, and a fixed-rate test
// replacement. Every variant implements Instance; NewByID is the one place
// a cc-id is resolved to a concrete type, and the Connection calls its
// CC(s) through the Instance interface. The Connection keeps its instances
// in a slice, and the "at most two CCs per connection" limit is checked at
// run time by conn.New; no type enforces it statically.
package cc

import "time"

// ID identifies one of the five variants on the wire (DATA.cc-id, §6).
type ID uint8

const (
	Cubic ID = iota
	Copa
	Copa2
	Copa3
	FixedRate
)

func (id ID) String() string {
	switch id {
	case Cubic:
		return "cubic"
	case Copa:
		return "copa"
	case Copa2:
		return "copa2"
	case Copa3:
		return "copa3"
	case FixedRate:
		return "fixed_rate"
	default:
		return "unknown"
	}
}

// Params configures a CC instance at Connected() time. Fields not relevant
// to a given algorithm are ignored by it.
type Params struct {
	InitialCwndPackets int
	MaxCwndPackets     int
	MaxSegmentSize     int
	FixedRateBps       float64 // FixedRate only
	CopaDeltaConst     float64 // Copa only: constant delta; 0 selects copaDefaultDelta (there is no max-throughput mode)
	AntiJitter         time.Duration // Copa3 only
}

// Instance is the contract every variant implements (§4.8). Every method
// with a (stream uint8, ...) parameter is invoked with the stream the
// packet belongs to purely for logging/attribution — CC state itself is
// per-connection, shared across that connection's streams, matching "up to
// two CC instances" being connection-scoped in §3.
type Instance interface {
	ID() ID
	Configure(p Params) error
	Connected(now time.Time, rtt time.Duration)

	OnAckPktProcessingStart(now time.Time)
	OnAckPktProcessingDone(now time.Time)

	OnRttUpdate(stream uint8, now time.Time, sendTS, recvTS time.Time, seq, ccSeq uint32, rtt time.Duration, bytes int, ccVal float64)
	OnPacketLost(stream uint8, now time.Time, seq, ccSeq uint32, bytes int) bool
	OnPacketAcked(stream uint8, now time.Time, seq, ccSeq, neSeq uint32, bytes int)
	OnPacketSent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, ccVal *float64) (ccSeq uint32)
	OnPacketResent(stream uint8, now time.Time, seq uint32, pldBytes, totBytes int, rto bool, ccVal *float64) (ccSeq uint32)
	OnRto(pktRexmitted bool)
	OnOutageEnd()

	CanSend(now time.Time, bytes int) bool
	CanResend(now time.Time, bytes int) bool
	TimeUntilSend(now time.Time) time.Duration

	SendPacingRate() float64 // bits/sec, instantaneous pacing rate
	SendRate() float64       // bits/sec, algorithm-reported throughput

	GetSyncParams() (seq uint16, payload uint32)
	ProcessSyncParams(seq uint16, payload uint32)
	ProcessCcPktTrain(trainID uint16, pktIndex, pktCount uint8, sendTS, recvTS time.Time)

	InSlowStart() bool
	InRecovery() bool
	GetCongestionWindow() int // bytes
	GetSlowStartThreshold() int // bytes

	UseCwndForCapEst() bool
}

// NewByID constructs a fresh Instance for id. This is the one place an ID
// is resolved to a concrete type.
func NewByID(id ID) (Instance, error) {
	switch id {
	case Cubic:
		return newCubic(), nil
	case Copa:
		return newCopa(), nil
	case Copa2:
		return newCopa2(), nil
	case Copa3:
		return newCopa3(), nil
	case FixedRate:
		return newFixedRate(), nil
	default:
		return nil, errUnknownID
	}
}

// SyncSeq is the shared CC_SYNC sequence-number helper (§4.8, recovered
// from sliq_cc_interface.h — see SPEC_FULL.md §D.1): every variant keeps
// one of these rather than reimplementing wraparound comparison five times.
type SyncSeq struct {
	seq uint16
}

// Next returns the next sequence number to stamp on an outgoing CC_SYNC,
// advancing internal state.
func (s *SyncSeq) Next() uint16 {
	s.seq++
	return s.seq
}

// Accept reports whether incoming is newer than the last seq this side
// accepted, and if so records it.
func (s *SyncSeq) Accept(incoming uint16) bool {
	// Wrap-aware: new>old iff ((new-old) mod 2^16) < 2^15.
	if uint16(incoming-s.seq) < 1<<15 && incoming != s.seq {
		s.seq = incoming
		return true
	}
	return false
}
