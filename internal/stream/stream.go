// Package stream is the Stream (C9): a per-stream state machine plus
// application-facing transmit queue sitting on top of the Received and
// Sent Packet Managers (§4.9, §3 "Stream").
package stream

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"sliq/internal/cc"
	"sliq/internal/fec"
	"sliq/internal/rcvpkt"
	"sliq/internal/reliability"
	"sliq/internal/sentpkt"
	"sliq/internal/wire"
)

// State is the stream lifecycle (§4.9).
type State uint8

const (
	Open State = iota
	SendClosed
	RecvClosed
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case SendClosed:
		return "send_closed"
	case RecvClosed:
		return "recv_closed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// QueueOrder selects FIFO or LIFO dequeue order for the transmit queue.
type QueueOrder uint8

const (
	FIFO QueueOrder = iota
	LIFO
)

// DropRule selects what Enqueue does when the transmit queue is full.
type DropRule uint8

const (
	NoDrop DropRule = iota
	HeadDrop
	TailDrop
)

var (
	ErrStreamClosed   = errors.New("stream: closed for sends")
	ErrQueueFull       = errors.New("stream: transmit queue full, NO_DROP in effect")
	ErrInvalidPriority = errors.New("stream: priority out of [0,7]")
)

// QueueConfig is the transmit-queue shape (§3 "transmit queue {max
// packets, FIFO|LIFO, NO_DROP|HEAD_DROP|TAIL_DROP}").
type QueueConfig struct {
	MaxPackets int
	Order      QueueOrder
	Drop       DropRule
}

type queuedSend struct {
	payload []byte
	fin     bool
	seq     uint32
}

// Stream is one multiplexed data channel within a Connection. Not safe
// for concurrent use (§5: single cooperative thread).
type Stream struct {
	ID       uint8
	Priority uint8
	Delivery reliability.Delivery
	spec     reliability.Spec

	qcfg    QueueConfig
	queue   []queuedSend
	nextSeq uint32

	state State

	Rcv *rcvpkt.Manager
	Snd *sentpkt.Manager

	log *zap.Logger
}

// New constructs a Stream bound to fresh C6/C7 managers. windowPkts sizes
// both the receive and send windows; ccInst is the connection's CC chosen
// for this stream's cc-id.
func New(id uint8, priority uint8, spec reliability.Spec, delivery reliability.Delivery, qcfg QueueConfig, windowPkts int, codec *fec.Codec, ccInst cc.Instance, rtoFunc func() time.Duration, log *zap.Logger) (*Stream, error) {
	if priority > 7 {
		return nil, ErrInvalidPriority
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := spec.ValidateDelivery(delivery); err != nil {
		return nil, err
	}
	sendCfg := sentpkt.Config{WindowPkts: windowPkts}
	if spec.Mode == reliability.SemiReliableARQFEC {
		sendCfg.FecK = 8
		sendCfg.FecMaxRounds = 3
		if spec.TargetPktRecvProb > 0 {
			sendCfg.AssumedLossRate = 1 - spec.TargetPktRecvProb
		}
	}
	return &Stream{
		ID:       id,
		Priority: priority,
		Delivery: delivery,
		spec:     spec,
		qcfg:     qcfg,
		Rcv:      rcvpkt.New(id, spec, delivery, windowPkts, codec, log),
		Snd:      sentpkt.New(id, spec, sendCfg, codec, ccInst, rtoFunc, log),
		log:      log,
	}, nil
}

func (s *Stream) State() State { return s.state }

// Enqueue applies the transmit queue's drop rule and buffers payload for
// the Sent Packet Manager to pick up on the next Pump call. When the
// queue is at capacity under HEAD_DROP, the oldest queued packet is
// evicted and its queue-assigned seq is returned via droppedSeq/dropped
// so the caller can report it (§8 "Boundary behaviour": HEAD_DROP
// "reporting it via ProcessPacketDrop if registered").
func (s *Stream) Enqueue(payload []byte, fin bool) (droppedSeq uint32, dropped bool, err error) {
	if s.state == SendClosed || s.state == Closed {
		return 0, false, ErrStreamClosed
	}
	if s.qcfg.MaxPackets > 0 && len(s.queue) >= s.qcfg.MaxPackets {
		switch s.qcfg.Drop {
		case NoDrop:
			return 0, false, ErrQueueFull
		case HeadDrop:
			droppedSeq, dropped = s.queue[0].seq, true
			s.queue = s.queue[1:]
		case TailDrop:
			return 0, false, nil // silently discard the new packet
		}
	}
	s.queue = append(s.queue, queuedSend{payload: payload, fin: fin, seq: s.nextSeq})
	s.nextSeq++
	if fin {
		s.state = transitionOnLocalClose(s.state)
	}
	return droppedSeq, dropped, nil
}

func transitionOnLocalClose(s State) State {
	switch s {
	case Open:
		return SendClosed
	case RecvClosed:
		return Closed
	default:
		return s
	}
}

// Pump feeds queued application payloads into the Sent Packet Manager in
// the configured dequeue order and drains everything currently sendable,
// returning the DATA frames ready to go on the wire (§4.9: "when the
// queue is non-empty and CC permits, the stream asks the Sent Packet
// Manager to frame-and-send").
func (s *Stream) Pump(now time.Time) []*wire.DataHeader {
	for len(s.queue) > 0 {
		var qs queuedSend
		switch s.qcfg.Order {
		case LIFO:
			qs = s.queue[len(s.queue)-1]
			s.queue = s.queue[:len(s.queue)-1]
		default:
			qs = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.Snd.Enqueue(qs.payload, qs.fin, false, now)
	}
	var out []*wire.DataHeader
	for s.Snd.CanSend(now) {
		h := s.Snd.Send(now)
		if h == nil {
			break
		}
		out = append(out, h)
	}
	return out
}

// OnFin processes the peer's FIN flag on an inbound DATA frame,
// transitioning OPEN→RECV_CLOSED or SEND_CLOSED→CLOSED.
func (s *Stream) OnFin() {
	switch s.state {
	case Open:
		s.state = RecvClosed
	case SendClosed:
		s.state = Closed
	}
}

// CloseLocal closes the local (send) half, as CloseStream does (§4.12).
func (s *Stream) CloseLocal() {
	s.state = transitionOnLocalClose(s.state)
}

// Reset forces the stream straight to CLOSED, as RESET_STREAM does
// (§4.10 dispatch table).
func (s *Stream) Reset() { s.state = Closed }
