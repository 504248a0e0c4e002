// Package rcvpkt is the Received Packet Manager (C6), one instance per
// stream: reorder buffer, FEC regeneration, ACK-block/observed-time
// synthesis, and delivery policy (§4.6).
//
// Wire-layout decision (not specified bit-exactly by §6, recorded in
// DESIGN.md): a FEC group's GroupID is the sequence number of the first
// packet in its contiguous source run (§3: "one group per contiguous run
// of up to k source packets"), so a source index i within the group
// always maps to seq = GroupID+i — the Manager never needs to have seen a
// source packet itself to know what sequence number FEC regeneration
// should assign it.
package rcvpkt

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/wire"
)

// ErrWindowOverflow is the §7 "OutOfWindow ... fatal for egregious
// violation" failure mode: the sender is so far ahead of rcv_min that no
// reasonable window size could explain it, and the stream must be reset.
var ErrWindowOverflow = errors.New("rcvpkt: receive window overflow")

// overflowFactor bounds how far past rcv_min+rcv_wnd a seq-num can land
// before it's treated as a protocol violation rather than a packet to
// silently discard (§4.6 ingest rule 2 vs. §7's window-overflow failure).
const overflowFactor = 4

// Flags on a receive-side packet entry (§3 "Received packet entry").
type Flags uint8

const (
	FlagFEC Flags = 1 << iota
	FlagFIN
	FlagReceived
	FlagRegenerated
	FlagDelivered
	FlagSkipped
)

// Entry is one slot in the reorder buffer.
type Entry struct {
	Seq             uint32
	RetransmitCount uint8
	Flags           Flags
	FECGroupID      uint32
	FECGroupIndex   uint8
	FECRound        uint8
	FECNumSource    uint8
	Payload         []byte
}

func (e *Entry) has(f Flags) bool { return e.Flags&f != 0 }

type fecGroup struct {
	groupID uint32
	k       int
	shards  [][]byte
	present []bool
	done    bool
}

func (g *fecGroup) ensureLen(n int) {
	for len(g.shards) < n {
		g.shards = append(g.shards, nil)
		g.present = append(g.present, false)
	}
}

func (g *fecGroup) countPresent() int {
	n := 0
	for _, p := range g.present {
		if p {
			n++
		}
	}
	return n
}

// Manager reorders, regenerates, and delivers one stream's received
// packets.
type Manager struct {
	streamID uint8
	spec     reliability.Spec
	delivery reliability.Delivery
	windowPkts uint32

	codec *fec.Codec
	log   *zap.Logger

	haveFirst bool
	rcvMin    uint32
	rcvNxt    uint32
	rcvMax    uint32

	entries map[uint32]*Entry
	groups  map[uint32]*fecGroup

	obsTimes []wire.ObservedTime
	history  []uint32
}

// New constructs a Manager for one stream. windowPkts is kFlowCtrlWindowPkts.
func New(streamID uint8, spec reliability.Spec, delivery reliability.Delivery, windowPkts int, codec *fec.Codec, log *zap.Logger) *Manager {
	if windowPkts <= 0 {
		windowPkts = 1024
	}
	return &Manager{
		streamID:   streamID,
		spec:       spec,
		delivery:   delivery,
		windowPkts: uint32(windowPkts),
		codec:      codec,
		log:        log,
		entries:    make(map[uint32]*Entry),
		groups:     make(map[uint32]*fecGroup),
	}
}

// RcvNxt returns the lowest sequence number not yet received or skipped,
// the next-expected value carried in ACKs.
func (m *Manager) RcvNxt() uint32 { return m.rcvNxt }

// RcvMax returns the largest sequence number observed so far.
func (m *Manager) RcvMax() uint32 { return m.rcvMax }

// AddPkt ingests one decoded DATA frame (§4.6 "Ingest rules"). It returns
// whether the sender should be ACKed immediately, per the "Immediate-ACK
// trigger" rule, or ErrWindowOverflow if the sender badly violated the
// advertised window.
func (m *Manager) AddPkt(h *wire.DataHeader, recvTime time.Time) (immediateAck bool, err error) {
	if !m.haveFirst {
		m.haveFirst = true
		m.rcvMin = h.SeqNum
		m.rcvNxt = h.SeqNum
		// rcvMax starts at this very packet's seq rather than seq-1: stream
		// sequence numbers begin at 0, and seq-1 would underflow uint32 for
		// the very first packet of a stream.
		m.rcvMax = h.SeqNum
	}

	seq := h.SeqNum

	// Rule 1: duplicates.
	if seq < m.rcvMin {
		return true, nil
	}
	if e, ok := m.entries[seq]; ok && e.has(FlagReceived) {
		return true, nil
	}

	// Rule 2 / §7 window overflow.
	if seq >= m.rcvMin+m.windowPkts*overflowFactor {
		if m.log != nil {
			m.log.Warn("receive window overflow",
				zap.Uint8("stream", m.streamID), zap.Uint32("seq", seq), zap.Uint32("rcv_min", m.rcvMin))
		}
		return false, ErrWindowOverflow
	}
	if seq >= m.rcvMin+m.windowPkts {
		return false, nil // outside window: discard, no ack
	}

	wasOutOfOrder := seq > m.rcvNxt
	filledGap := seq == m.rcvNxt && m.isReceived(seq+1)

	// Rule 3: store.
	e := &Entry{Seq: seq, RetransmitCount: h.RetransmitCount, Flags: FlagReceived, Payload: h.Payload}
	if h.IsFin() {
		e.Flags |= FlagFIN
	}
	if h.HasFEC() {
		e.Flags |= FlagFEC
		e.FECGroupID = h.FEC.GroupID
		e.FECGroupIndex = h.FEC.GroupIndex
		e.FECRound = h.FEC.Round
		e.FECNumSource = h.FEC.NumSource
		m.ingestFEC(h, e)
	}
	m.entries[seq] = e

	if h.HasMoveFwd() && m.spec.Mode != reliability.ReliableARQ {
		m.applyMoveForward(h.MoveForwardSeq)
	}
	for m.isReceived(m.rcvNxt) {
		m.rcvNxt++
	}

	if seq > m.rcvMax {
		m.rcvMax = seq
	}

	m.pushObsTime(seq, h.Timestamp)
	m.pushHistory(seq)

	return wasOutOfOrder || filledGap, nil
}

// applyMoveForward advances rcv_nxt per §4.6: slots in [rcvNxt, NE) are
// marked skipped rather than delivered, and slideMin later moves rcv_min
// past them.
func (m *Manager) applyMoveForward(ne uint32) {
	if ne <= m.rcvNxt {
		return
	}
	for s := m.rcvNxt; s < ne; s++ {
		e, ok := m.entries[s]
		if !ok {
			e = &Entry{Seq: s}
			m.entries[s] = e
		}
		e.Flags |= FlagSkipped
	}
	m.rcvNxt = ne
}

func (m *Manager) ingestFEC(h *wire.DataHeader, e *Entry) {
	g, ok := m.groups[h.FEC.GroupID]
	if !ok {
		g = &fecGroup{groupID: h.FEC.GroupID, k: int(h.FEC.NumSource)}
		m.groups[h.FEC.GroupID] = g
	}
	idx := int(h.FEC.GroupIndex)
	g.ensureLen(idx + 1)
	g.shards[idx] = e.Payload
	g.present[idx] = true

	if g.done || g.countPresent() < g.k {
		return
	}
	decoded, err := m.codec.Decode(g.k, g.shards, g.present)
	if err != nil {
		return // still undecodable; wait for more members (§4.6 failure mode)
	}
	g.done = true
	for i := 0; i < g.k; i++ {
		if g.present[i] {
			continue
		}
		seq := g.groupID + uint32(i)
		if _, exists := m.entries[seq]; exists {
			continue
		}
		re := &Entry{
			Seq:          seq,
			Flags:        FlagReceived | FlagRegenerated,
			FECGroupID:   g.groupID,
			FECNumSource: uint8(g.k),
			Payload:      decoded[i],
		}
		m.entries[seq] = re
		if seq > m.rcvMax {
			m.rcvMax = seq
		}
	}
}

func (m *Manager) pushObsTime(seq, ts uint32) {
	m.obsTimes = append(m.obsTimes, wire.ObservedTime{Seq: seq, Ts: ts})
	if len(m.obsTimes) > wire.MaxObsTimes {
		m.obsTimes = m.obsTimes[len(m.obsTimes)-wire.MaxObsTimes:]
	}
}

func (m *Manager) pushHistory(seq uint32) {
	m.history = append(m.history, seq)
	if len(m.history) > wire.AckHistorySize {
		m.history = m.history[len(m.history)-wire.AckHistorySize:]
	}
}

// DeliverReady runs the delivery policy (§4.6) and returns newly delivered
// entries in delivery order, sliding rcv_min forward as it goes.
func (m *Manager) DeliverReady() []*Entry {
	if m.delivery == reliability.Ordered && m.spec.Mode == reliability.ReliableARQ {
		return m.deliverOrdered()
	}
	return m.deliverUnordered()
}

func (m *Manager) deliverOrdered() []*Entry {
	var out []*Entry
	seq := m.rcvMin
	for {
		e, ok := m.entries[seq]
		if !ok {
			break
		}
		if e.has(FlagSkipped) {
			seq++
			continue
		}
		if !e.has(FlagReceived) && !e.has(FlagRegenerated) {
			break
		}
		if e.has(FlagDelivered) {
			seq++
			continue
		}
		e.Flags |= FlagDelivered
		out = append(out, e)
		seq++
	}
	m.slideMin()
	return out
}

func (m *Manager) deliverUnordered() []*Entry {
	var out []*Entry
	for seq := m.rcvMin; seq <= m.rcvMax; seq++ {
		e, ok := m.entries[seq]
		if !ok {
			continue
		}
		if e.has(FlagDelivered) || e.has(FlagSkipped) {
			continue
		}
		if !e.has(FlagReceived) && !e.has(FlagRegenerated) {
			continue
		}
		e.Flags |= FlagDelivered
		out = append(out, e)
	}
	if m.rcvNxt < m.rcvMin {
		m.rcvNxt = m.rcvMin
	}
	for {
		e, ok := m.entries[m.rcvNxt]
		if !ok {
			break
		}
		if e.has(FlagDelivered) || e.has(FlagSkipped) {
			m.rcvNxt++
			continue
		}
		break
	}
	m.slideMin()
	return out
}

// slideMin advances rcv_min past every slot that's fully done with (for
// SEMI_RELIABLE_ARQ_FEC, a source packet's slot isn't "done" until its
// group can no longer regenerate anything new from it, but since
// regeneration already happened eagerly in ingestFEC, delivered-or-skipped
// is sufficient here).
func (m *Manager) slideMin() {
	for {
		e, ok := m.entries[m.rcvMin]
		if !ok {
			break
		}
		if !e.has(FlagDelivered) && !e.has(FlagSkipped) {
			break
		}
		delete(m.entries, m.rcvMin)
		m.rcvMin++
	}
	if m.rcvNxt < m.rcvMin {
		m.rcvNxt = m.rcvMin
	}
}

// PrepareAck builds the next ACK header for this stream (§4.6
// PrepareNextAckHdr): next-expected, an ACK-block list run-length-encoding
// the received set as (gap, run-length) 16-bit offsets from rcvNxt, the
// observed-times vector, and the recent-history list.
func (m *Manager) PrepareAck() *wire.AckHeader {
	h := &wire.AckHeader{
		StreamID:        m.streamID,
		NextExpected:    m.rcvNxt,
		LargestObserved: m.rcvMax,
	}
	if n := len(m.obsTimes); n > 0 {
		h.ObservedTS = m.obsTimes[n-1].Ts
	}
	h.BlockOffsets = m.buildBlockOffsets()
	h.ObservedTimes = append([]wire.ObservedTime(nil), m.obsTimes...)
	h.RecentHistory = append([]uint32(nil), m.history...)
	return h
}

// buildBlockOffsets walks [rcvNxt, rcvMax] and alternately emits (gap,
// run) 16-bit offsets describing received runs, bounded to MaxAckBlocks
// pairs and to what fits in a 16-bit offset.
func (m *Manager) buildBlockOffsets() []uint16 {
	if m.rcvMax < m.rcvNxt {
		return nil
	}
	var offsets []uint16
	pos := m.rcvNxt
	for pos <= m.rcvMax && len(offsets) < 2*wire.MaxAckBlocks {
		gapStart := pos
		for pos <= m.rcvMax && !m.isReceived(pos) {
			pos++
		}
		gap := pos - gapStart
		if gap > 0xFFFF {
			gap = 0xFFFF
		}

		runStart := pos
		for pos <= m.rcvMax && m.isReceived(pos) {
			pos++
		}
		run := pos - runStart
		if run == 0 {
			break
		}
		if run > 0xFFFF {
			run = 0xFFFF
		}
		offsets = append(offsets, uint16(gap), uint16(run))
	}
	return offsets
}

func (m *Manager) isReceived(seq uint32) bool {
	e, ok := m.entries[seq]
	return ok && (e.has(FlagReceived) || e.has(FlagRegenerated)) && !e.has(FlagSkipped)
}
