// Package sentpkt is the Sent Packet Manager (C7), one instance per
// stream: owns outstanding packets, decides what to (re)send and when,
// drives FEC group formation/rounds, drops on reliability-limit
// exhaustion, and reports pif/bif/pipe counts to the owning Connection's
// congestion controller (§4.7).
//
// Repair-count policy (not specified bit-exactly by §4.7's "per-target-
// probability tables", recorded in DESIGN.md): rather than a full
// per-PER/per-k/per-rounds-remaining lookup table, repair counts are
// derived from a closed-form binomial-style estimate against an assumed
// per-packet loss rate, increasing by one shard per additional round up
// to the fixed per-k parameter table's ceiling (internal/fec.MaxGroupSize).
package sentpkt

import (
	"math"
	"time"

	"go.uber.org/zap"

	"sliq/internal/cc"
	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/wire"
)

// FastRexmitDist is kFastRexmitDist (§4.7): a sent packet becomes a loss
// candidate once the peer's largest observed cc-seq-num has advanced this
// many sequence numbers beyond it, modelling TCP's 3-duplicate-ACK rule.
const FastRexmitDist = 3

type entryFlags uint8

const (
	flagAcked entryFlags = 1 << iota
	flagLost
	flagFEC
	flagFin
)

// Entry is one outstanding (or recently resolved) sent packet.
type Entry struct {
	Seq             uint32
	CCSeq           uint32
	Payload         []byte
	SentAt          time.Time
	RTODeadline     time.Time
	RetransmitCount uint8
	flags           entryFlags

	FECGroupID    uint32
	FECGroupIndex uint8
	FECRound      uint8
	FECNumSource  uint8
}

func (e *Entry) has(f entryFlags) bool { return e.flags&f != 0 }

// Config bundles the per-stream settings a Manager needs beyond the
// reliability.Spec already carried by the stream.
type Config struct {
	WindowPkts      int
	FecK            int     // 0 disables FEC group formation even in SEMI_RELIABLE_ARQ_FEC mode
	FecMaxRounds    uint8
	AssumedLossRate float64 // heuristic input to the repair-count estimate; default 0.05 if zero
	MaxSegmentSize  int
}

type encodeGroup struct {
	groupID     uint32
	source      [][]byte
	seqs        []uint32
	round       uint8
	repairSent  int
	roundStart  time.Time
	closed      bool
}

// Manager owns one stream's send-side packet bookkeeping. Not safe for
// concurrent use — like every core component it runs on the single
// facade thread (§5).
type Manager struct {
	streamID uint8
	spec     reliability.Spec
	cfg      Config
	codec    *fec.Codec
	ccInst   cc.Instance
	rtoFunc  func() time.Duration
	log      *zap.Logger

	sndUna       uint32
	sndNxt       uint32
	sndFECOut    uint32 // outstanding FEC-only (repair) packets, excluded from the window check
	haveFirst    bool

	entries map[uint32]*Entry
	order   []uint32 // outstanding seqs, ascending

	curGroup     *encodeGroup
	roundGroups  []*encodeGroup     // closed groups still eligible for another round
	readyQ       []*wire.DataHeader // frames queued for send, FIFO

	onRTTSample func(time.Duration)
}

// New constructs a Manager. ccInst and rtoFunc may be nil in tests that
// don't exercise admission/retransmit timing.
func New(streamID uint8, spec reliability.Spec, cfg Config, codec *fec.Codec, ccInst cc.Instance, rtoFunc func() time.Duration, log *zap.Logger) *Manager {
	if cfg.AssumedLossRate <= 0 {
		cfg.AssumedLossRate = 0.05
	}
	return &Manager{
		streamID: streamID,
		spec:     spec,
		cfg:      cfg,
		codec:    codec,
		ccInst:   ccInst,
		rtoFunc:  rtoFunc,
		log:      log,
		entries:  make(map[uint32]*Entry),
	}
}

// OnRTTSample registers a callback invoked with every RTT sample derived
// from a matched ACK observed-time entry.
func (m *Manager) OnRTTSample(f func(time.Duration)) { m.onRTTSample = f }

func (m *Manager) usesFEC() bool {
	return m.spec.Mode == reliability.SemiReliableARQFEC && m.cfg.FecK > 0 && m.codec != nil
}

// Enqueue accepts one application payload for transmission. In non-FEC
// modes it is queued directly as a DATA frame; in SEMI_RELIABLE_ARQ_FEC
// mode it joins the current FEC group, which is closed (and its round-1
// encoded packets queued) once k source packets have accumulated or force
// is set (§4.7 "FEC group construction").
func (m *Manager) Enqueue(payload []byte, fin, force bool, now time.Time) {
	if !m.usesFEC() {
		m.queueSource(payload, fin, nil, now)
		return
	}
	if m.curGroup == nil {
		m.curGroup = &encodeGroup{groupID: m.sndNxt, roundStart: now}
	}
	seq := m.queueSource(payload, fin, m.curGroup, now)
	m.curGroup.seqs = append(m.curGroup.seqs, seq)
	m.curGroup.source = append(m.curGroup.source, payload)
	if len(m.curGroup.source) >= m.cfg.FecK || force {
		m.closeGroup(now)
	}
}

// queueSource assigns the next sequence number, builds its DATA header,
// and appends it to the ready queue. If g is non-nil the header is
// annotated as FEC source index len(g.source).
func (m *Manager) queueSource(payload []byte, fin bool, g *encodeGroup, now time.Time) uint32 {
	seq := m.sndNxt
	m.sndNxt++
	h := &wire.DataHeader{SeqNum: seq, Payload: payload}
	if fin {
		h.Flags |= wire.FlagFin
	}
	if g != nil {
		h.Flags |= wire.FlagHasFEC
		h.FEC = wire.FECBlock{GroupID: g.groupID, GroupIndex: uint8(len(g.source)), NumSource: 0, Round: 0, PktType: wire.FECSource}
	}
	m.readyQ = append(m.readyQ, h)
	return seq
}

// closeGroup finalizes the source count on every queued header in the
// group, encodes round 1's repair shards, and queues them.
func (m *Manager) closeGroup(now time.Time) {
	g := m.curGroup
	g.closed = true
	k := len(g.source)
	for _, h := range m.readyQ {
		if h.HasFEC() && h.FEC.GroupID == g.groupID {
			h.FEC.NumSource = uint8(k)
		}
	}
	m.emitRound(g, k, now)
	m.curGroup = nil
	if g.round < m.cfg.FecMaxRounds {
		m.roundGroups = append(m.roundGroups, g)
	}
}

// AdvanceRounds emits one more repair round for every closed FEC group
// whose round deadline (one RTT since the previous round started) has
// elapsed, up to fec_max_rounds (§4.7 "Round progression"). rtt is the
// connection's current smoothed RTT estimate. Exhausted or fully-repaired
// groups drop out of consideration. The returned frames are already
// enqueued on readyQ too — the slice is handed back only so the caller
// can log/trace what a given call produced.
func (m *Manager) AdvanceRounds(now time.Time, rtt time.Duration) []*wire.DataHeader {
	var produced []*wire.DataHeader
	kept := m.roundGroups[:0]
	for _, g := range m.roundGroups {
		if now.Before(g.roundStart.Add(rtt)) {
			kept = append(kept, g)
			continue
		}
		before := len(m.readyQ)
		m.emitRound(g, len(g.source), now)
		produced = append(produced, m.readyQ[before:]...)
		if g.round < m.cfg.FecMaxRounds && g.repairSent < fec.MaxGroupSize-len(g.source) {
			kept = append(kept, g)
		}
	}
	m.roundGroups = kept
	return produced
}

// emitRound encodes and queues one more round of repair shards for g,
// advancing g.round.
func (m *Manager) emitRound(g *encodeGroup, k int, now time.Time) {
	repairCount := m.repairCountForRound(k, g.round)
	maxParity := fec.MaxGroupSize - k
	if g.repairSent+repairCount > maxParity {
		repairCount = maxParity - g.repairSent
	}
	if repairCount <= 0 {
		return
	}
	repair, err := m.codec.Encode(g.source, g.repairSent+repairCount)
	if err != nil {
		if m.log != nil {
			m.log.Warn("fec encode failed", zap.Uint8("stream", m.streamID), zap.Error(err))
		}
		return
	}
	newShards := repair[g.repairSent:]
	for i, shard := range newShards {
		idx := k + g.repairSent + i
		h := &wire.DataHeader{
			SeqNum:  m.sndNxt,
			Payload: shard,
			Flags:   wire.FlagHasFEC,
			FEC: wire.FECBlock{
				GroupID:    g.groupID,
				GroupIndex: uint8(idx),
				NumSource:  uint8(k),
				Round:      g.round,
				PktType:    wire.FECEncoded,
			},
		}
		m.readyQ = append(m.readyQ, h)
		m.sndNxt++
	}
	g.repairSent += len(newShards)
	g.round++
	g.roundStart = now
}

// repairCountForRound is the closed-form repair-count heuristic described
// in the package doc comment.
func (m *Manager) repairCountForRound(k int, round uint8) int {
	p := m.cfg.AssumedLossRate
	base := int(math.Ceil(float64(k) * p / (1 - p)))
	if base < 1 {
		base = 1
	}
	return base + int(round)
}

// CanSend reports whether the stream may transmit another packet right
// now: window room plus every active CC's admission (§4.7 "Send pacing
// and flow control").
func (m *Manager) CanSend(now time.Time) bool {
	if len(m.readyQ) == 0 {
		return false
	}
	if m.sndNxt-m.sndFECOut-m.sndUna >= uint32(m.cfg.WindowPkts) {
		return false
	}
	if m.ccInst == nil {
		return true
	}
	next := m.readyQ[0]
	return m.ccInst.CanSend(now, len(next.Payload))
}

// TimeUntilSend mirrors CC pacing when CanSend is false because of pacing
// rather than window/queue exhaustion.
func (m *Manager) TimeUntilSend(now time.Time) time.Duration {
	if m.ccInst == nil {
		return 0
	}
	return m.ccInst.TimeUntilSend(now)
}

// Send pops and stamps the next ready frame, recording it as outstanding.
// Callers are expected to have checked CanSend first.
func (m *Manager) Send(now time.Time) *wire.DataHeader {
	if len(m.readyQ) == 0 {
		return nil
	}
	h := m.readyQ[0]
	m.readyQ = m.readyQ[1:]

	var ccVal *float64
	var ccSeq uint32
	if m.ccInst != nil {
		ccSeq = m.ccInst.OnPacketSent(m.streamID, now, h.SeqNum, len(h.Payload), wire.EncodedLen(h)+len(h.Payload), ccVal)
	}
	h.CCID = uint8(0)
	h.Timestamp = uint32(now.UnixMilli())

	e := &Entry{Seq: h.SeqNum, CCSeq: ccSeq, Payload: h.Payload, SentAt: now}
	if h.IsFin() {
		e.flags |= flagFin
	}
	if h.HasFEC() {
		e.flags |= flagFEC
		e.FECGroupID, e.FECGroupIndex, e.FECRound, e.FECNumSource = h.FEC.GroupID, h.FEC.GroupIndex, h.FEC.Round, h.FEC.NumSource
	}
	if m.rtoFunc != nil {
		e.RTODeadline = now.Add(m.rtoFunc())
	}
	m.entries[h.SeqNum] = e
	m.order = append(m.order, h.SeqNum)
	if h.HasFEC() && h.FEC.PktType == wire.FECEncoded {
		m.sndFECOut++
	}
	return h
}

// OnAck folds one ACK frame into the outstanding set: cumulative
// acknowledgement up to NextExpected, out-of-order acks decoded from
// BlockOffsets, RTT sampling from ObservedTimes, and fast-retransmit
// candidate detection (§4.7 "Loss and retransmit candidate selection").
// Retransmit-ready frames are returned for the caller to send; moveFwd is
// non-nil when a BEST_EFFORT/SEMI_RELIABLE_ARQ drop requires a
// move-forward option on the next outgoing DATA frame.
func (m *Manager) OnAck(ack *wire.AckHeader, now time.Time) (retransmits []*wire.DataHeader, moveFwd *uint32) {
	for _, ot := range ack.ObservedTimes {
		if e, ok := m.entries[ot.Seq]; ok && m.onRTTSample != nil {
			m.onRTTSample(now.Sub(e.SentAt))
		}
	}

	m.ackUpTo(ack.NextExpected, now)

	pos := ack.NextExpected
	for i := 0; i+1 < len(ack.BlockOffsets); i += 2 {
		gap := uint32(ack.BlockOffsets[i])
		run := uint32(ack.BlockOffsets[i+1])
		pos += gap
		for j := uint32(0); j < run; j++ {
			m.ackOne(pos+j, ack.NextExpected, now)
		}
		pos += run
	}

	for _, seq := range append([]uint32(nil), m.order...) {
		e, ok := m.entries[seq]
		if !ok || e.has(flagAcked) || e.has(flagLost) {
			continue
		}
		if ack.LargestObserved < seq+FastRexmitDist {
			continue
		}
		lost := true
		if m.ccInst != nil {
			lost = m.ccInst.OnPacketLost(m.streamID, now, seq, e.CCSeq, len(e.Payload))
		}
		if !lost {
			continue
		}
		e.flags |= flagLost
		h, dropped := m.prepareRetransmit(seq, now)
		switch {
		case dropped:
			moveFwd = m.advanceSndUnaPastDrops()
		case h != nil:
			retransmits = append(retransmits, h)
		}
	}

	m.compactOrder()
	return retransmits, moveFwd
}

// ackUpTo marks every outstanding entry in [sndUna, ne) acknowledged and
// advances sndUna to ne (§4.6/§4.7 cumulative-ack semantics).
func (m *Manager) ackUpTo(ne uint32, now time.Time) {
	if ne <= m.sndUna {
		return
	}
	for seq := m.sndUna; seq < ne; seq++ {
		m.ackOne(seq, ne, now)
	}
	m.sndUna = ne
}

func (m *Manager) ackOne(seq, ne uint32, now time.Time) {
	e, ok := m.entries[seq]
	if !ok || e.has(flagAcked) {
		return
	}
	e.flags |= flagAcked
	if m.ccInst != nil {
		m.ccInst.OnPacketAcked(m.streamID, now, seq, e.CCSeq, ne, len(e.Payload))
	}
	if e.has(flagFEC) && e.FECNumSource > 0 && e.FECGroupIndex >= e.FECNumSource {
		m.sndFECOut--
	}
}

// prepareRetransmit applies the mode's retransmission rule to a
// newly-lost packet (§4.7 "Transmission modes"): BEST_EFFORT never
// retransmits, RELIABLE_ARQ always does, the two SEMI_RELIABLE modes
// retry up to RexmitLimit and then drop.
func (m *Manager) prepareRetransmit(seq uint32, now time.Time) (h *wire.DataHeader, dropped bool) {
	e, ok := m.entries[seq]
	if !ok {
		return nil, false
	}
	switch m.spec.Mode {
	case reliability.BestEffort:
		delete(m.entries, seq)
		return nil, true
	case reliability.ReliableARQ:
		return m.buildRetransmit(e, now), false
	default: // SemiReliableARQ, SemiReliableARQFEC
		if e.RetransmitCount >= m.spec.RexmitLimit {
			delete(m.entries, seq)
			return nil, true
		}
		return m.buildRetransmit(e, now), false
	}
}

func (m *Manager) buildRetransmit(e *Entry, now time.Time) *wire.DataHeader {
	e.RetransmitCount++
	e.flags &^= flagLost
	if m.rtoFunc != nil {
		e.RTODeadline = now.Add(m.rtoFunc())
	}
	h := &wire.DataHeader{SeqNum: e.Seq, Payload: e.Payload, RetransmitCount: e.RetransmitCount}
	if e.has(flagFin) {
		h.Flags |= wire.FlagFin
	}
	if e.has(flagFEC) {
		h.Flags |= wire.FlagHasFEC
		h.FEC = wire.FECBlock{GroupID: e.FECGroupID, GroupIndex: e.FECGroupIndex, NumSource: e.FECNumSource, Round: e.FECRound}
	}
	if m.ccInst != nil {
		e.CCSeq = m.ccInst.OnPacketResent(m.streamID, now, e.Seq, len(e.Payload), wire.EncodedLen(h)+len(e.Payload), false, nil)
	}
	return h
}

// advanceSndUnaPastDrops slides sndUna over any seqs dropped out of
// entries, returning the new smallest still-live seq for a move-forward
// option (§4.7 "Move-forward generation").
func (m *Manager) advanceSndUnaPastDrops() *uint32 {
	for {
		if _, ok := m.entries[m.sndUna]; ok {
			break
		}
		if m.sndUna >= m.sndNxt {
			break
		}
		m.sndUna++
	}
	ne := m.sndUna
	return &ne
}

// compactOrder drops fully resolved (acked-and-below-sndUna, or deleted)
// seqs from the outstanding-order slice.
func (m *Manager) compactOrder() {
	kept := m.order[:0]
	for _, seq := range m.order {
		e, ok := m.entries[seq]
		if !ok {
			continue
		}
		if e.has(flagAcked) && seq < m.sndUna {
			delete(m.entries, seq)
			continue
		}
		kept = append(kept, seq)
	}
	m.order = kept
}

// OldestOutstanding returns the oldest not-yet-acked entry, for
// RTO-driven retransmit prioritization across a connection's streams
// (§4.7 "RTO-driven retransmit picks the highest-priority stream's oldest
// missing packet").
func (m *Manager) OldestOutstanding() *Entry {
	for _, seq := range m.order {
		if e, ok := m.entries[seq]; ok && !e.has(flagAcked) {
			return e
		}
	}
	return nil
}

// Outstanding returns every not-yet-acked entry, oldest first. Unlike
// repeated OldestOutstanding calls, this is safe to iterate over while
// retransmitting each one exactly once.
func (m *Manager) Outstanding() []*Entry {
	var out []*Entry
	for _, seq := range m.order {
		if e, ok := m.entries[seq]; ok && !e.has(flagAcked) {
			out = append(out, e)
		}
	}
	return out
}

// RetransmitRTO builds a retransmission for seq following an RTO firing
// and notifies the CC via OnRto (§4.8: "OnPacketLost is not called for
// these").
func (m *Manager) RetransmitRTO(seq uint32, now time.Time) (*wire.DataHeader, bool) {
	h, dropped := m.prepareRetransmit(seq, now)
	if m.ccInst != nil {
		m.ccInst.OnRto(!dropped)
	}
	if dropped {
		return nil, true
	}
	return h, false
}

// Counts reports the packets/bytes/pipe-bytes in flight per RFC 6675
// (§4.7 "Counts reported to CC"): pipe counts a retransmitted-but-unacked
// packet's bytes twice (once for the original, once for the copy still
// believed in flight).
func (m *Manager) Counts() (packetsInFlight, bytesInFlight, pipeBytes int) {
	for _, seq := range m.order {
		e, ok := m.entries[seq]
		if !ok || e.has(flagAcked) {
			continue
		}
		packetsInFlight++
		bytesInFlight += len(e.Payload)
		pipeBytes += len(e.Payload)
		if e.RetransmitCount > 0 {
			pipeBytes += len(e.Payload)
		}
	}
	return
}

// SndUna returns the oldest unacknowledged sequence number.
func (m *Manager) SndUna() uint32 { return m.sndUna }

// SndNxt returns the next sequence number that will be assigned.
func (m *Manager) SndNxt() uint32 { return m.sndNxt }
