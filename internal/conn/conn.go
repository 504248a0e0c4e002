// Package conn is the Connection (C10): handshake, per-connection state
// machine, stream multiplexing, frame dispatch, outage handling, and the
// up-to-two CC instances a connection's streams share (§4.10).
package conn

import (
	"errors"
	"net"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"sliq/internal/capacity"
	"sliq/internal/cc"
	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/rttmgr"
	"sliq/internal/stream"
	"sliq/internal/wire"
)

// State is the connection lifecycle (§3 "Connection").
type State uint8

const (
	ConnClosed State = iota
	SentHello
	RcvdHello
	Connected
	AppCloseWait
	PeerCloseWait
	ClosedWait
)

func (s State) String() string {
	switch s {
	case ConnClosed:
		return "conn_closed"
	case SentHello:
		return "sent_hello"
	case RcvdHello:
		return "rcvd_hello"
	case Connected:
		return "connected"
	case AppCloseWait:
		return "app_close_wait"
	case PeerCloseWait:
		return "peer_close_wait"
	case ClosedWait:
		return "closed_wait"
	default:
		return "unknown"
	}
}

var (
	ErrHandshakeFailed   = errors.New("conn: handshake failed")
	ErrStreamLimit       = errors.New("conn: stream limit exceeded")
	ErrUnknownStream     = errors.New("conn: unknown stream id")
	ErrInvalidStreamID   = errors.New("conn: stream id must be odd (client) or even (server) in [1,32]")
	ErrTooManyCC         = errors.New("conn: at most two CC instances per connection")
)

const maxStreams = 32

// Config carries per-connection tunables sourced from the facade's
// configuration layer.
type Config struct {
	RTT         rttmgr.Config
	WindowPkts  int
	IsClient    bool
	CCAlgs      []cc.ID
	CCParams    cc.Params
}

// Connection is one peer relationship: handshake state, the stream map,
// RTT/outage tracking, and the CC instance(s) its streams share. Not safe
// for concurrent use (§5: single cooperative thread).
type Connection struct {
	EndpointID xid.ID
	Peer       *net.UDPAddr
	cfg        Config

	state State

	RTT *rttmgr.Manager
	Cap *capacity.Estimator
	ccs []cc.Instance // at most two, distinct cc-ids

	streams map[uint8]*stream.Stream
	nextClientStreamID uint8
	nextServerStreamID uint8

	seqCounter uint32 // per-connection ACK-ordering sequence, CC-purposes only

	inOutage bool

	handshakeSentAt time.Time
	handshakeTS     uint32

	log *zap.Logger
}

// New constructs a Connection in CONN_CLOSED, ready to either send
// CONN_HELLO (client) or wait for one (server).
func New(peer *net.UDPAddr, cfg Config, log *zap.Logger) (*Connection, error) {
	if len(cfg.CCAlgs) == 0 || len(cfg.CCAlgs) > 2 {
		return nil, ErrTooManyCC
	}
	c := &Connection{
		EndpointID: xid.New(),
		Peer:       peer,
		cfg:        cfg,
		state:      ConnClosed,
		RTT:        rttmgr.New(cfg.RTT, log),
		Cap:        capacity.New(0.1, 5*time.Second),
		streams:    make(map[uint8]*stream.Stream),
		nextClientStreamID: 1,
		nextServerStreamID: 2,
		log:        log,
	}
	for _, id := range cfg.CCAlgs {
		inst, err := cc.NewByID(id)
		if err != nil {
			return nil, err
		}
		if err := inst.Configure(cfg.CCParams); err != nil {
			return nil, err
		}
		c.ccs = append(c.ccs, inst)
	}
	return c, nil
}

func (c *Connection) State() State { return c.state }
func (c *Connection) IsInOutage() bool { return c.inOutage }

// BuildHello produces the client's CONN_HELLO (§4.10 handshake).
func (c *Connection) BuildHello(now time.Time) *wire.HelloHeader {
	c.state = SentHello
	c.handshakeSentAt = now
	c.handshakeTS = uint32(now.UnixMicro())
	algs := make([]uint8, len(c.cfg.CCAlgs))
	for i, id := range c.cfg.CCAlgs {
		algs[i] = uint8(id)
	}
	return &wire.HelloHeader{Timestamp: c.handshakeTS, CCAlgs: algs}
}

// OnHello processes an inbound CONN_HELLO (server) or CONN_HELLO_ACK
// (client), seeding the RTT manager from the handshake RTT (§4.10).
func (c *Connection) OnHello(h *wire.HelloHeader, now time.Time) (*wire.HelloHeader, error) {
	if !h.Ack {
		// Server side: echo back a CONN_HELLO_ACK with our chosen CC list.
		c.state = RcvdHello
		algs := make([]uint8, len(c.cfg.CCAlgs))
		for i, id := range c.cfg.CCAlgs {
			algs[i] = uint8(id)
		}
		c.state = Connected
		return &wire.HelloHeader{Ack: true, Timestamp: h.Timestamp, RecvTimestamp: uint32(now.UnixMicro()), CCAlgs: algs}, nil
	}
	// Client side: h.Timestamp is our echoed send timestamp.
	if c.state != SentHello {
		return nil, ErrHandshakeFailed
	}
	// Hello timestamps carry the low 32 bits of Unix microseconds, so the
	// difference is taken modulo 2^32.
	rtt := time.Duration(int32(uint32(now.UnixMicro())-h.Timestamp)) * time.Microsecond
	if rtt < 0 {
		return nil, ErrHandshakeFailed
	}
	c.RTT.Seed(rtt)
	for _, inst := range c.ccs {
		inst.Connected(now, rtt)
	}
	c.state = Connected
	return nil, nil
}

// AddStream creates and registers a new Stream, assigning the next
// available odd (client) or even (server) stream-id (§3 "a stream-id is
// either client-initiated (odd, 1..31) or server-initiated (even,
// 2..32); at most 32 concurrent streams").
func (c *Connection) AddStream(local bool, priority uint8, spec reliability.Spec, delivery reliability.Delivery, qcfg stream.QueueConfig, codec *fec.Codec) (*stream.Stream, error) {
	if len(c.streams) >= maxStreams {
		return nil, ErrStreamLimit
	}
	isClientStream := local == c.cfg.IsClient
	id, err := c.allocStreamID(isClientStream)
	if err != nil {
		return nil, err
	}
	ccInst := c.ccFor(0)
	s, err := stream.New(id, priority, spec, delivery, qcfg, c.cfg.WindowPkts, codec, ccInst, c.RTT.RTO, c.log)
	if err != nil {
		return nil, err
	}
	c.streams[id] = s
	return s, nil
}

// AddStreamWithID registers a peer-created stream at an explicit id
// (CREATE_STREAM dispatch), validating the odd/even ownership rule.
func (c *Connection) AddStreamWithID(id uint8, priority uint8, spec reliability.Spec, delivery reliability.Delivery, qcfg stream.QueueConfig, codec *fec.Codec) (*stream.Stream, error) {
	if id == 0 || id > maxStreams {
		return nil, ErrInvalidStreamID
	}
	if _, exists := c.streams[id]; exists {
		return nil, ErrStreamLimit
	}
	if len(c.streams) >= maxStreams {
		return nil, ErrStreamLimit
	}
	peerIsClient := !c.cfg.IsClient
	wantOdd := peerIsClient
	if wantOdd != (id%2 == 1) {
		return nil, ErrInvalidStreamID
	}
	ccInst := c.ccFor(0)
	s, err := stream.New(id, priority, spec, delivery, qcfg, c.cfg.WindowPkts, codec, ccInst, c.RTT.RTO, c.log)
	if err != nil {
		return nil, err
	}
	c.streams[id] = s
	return s, nil
}

func (c *Connection) allocStreamID(clientOwned bool) (uint8, error) {
	if clientOwned {
		for id := c.nextClientStreamID; id <= 31; id += 2 {
			if _, exists := c.streams[id]; !exists {
				c.nextClientStreamID = id + 2
				return id, nil
			}
		}
	} else {
		for id := c.nextServerStreamID; id <= 32; id += 2 {
			if _, exists := c.streams[id]; !exists {
				c.nextServerStreamID = id + 2
				return id, nil
			}
		}
	}
	return 0, ErrStreamLimit
}

// ccFor resolves the CC instance for a given cc-id slot (0 or 1); most
// connections run a single CC shared by every stream.
func (c *Connection) ccFor(slot int) cc.Instance {
	if slot >= len(c.ccs) {
		slot = 0
	}
	if len(c.ccs) == 0 {
		return nil
	}
	return c.ccs[slot]
}

func (c *Connection) Stream(id uint8) (*stream.Stream, bool) {
	s, ok := c.streams[id]
	return s, ok
}

func (c *Connection) Streams() map[uint8]*stream.Stream { return c.streams }

// DispatchData routes one decoded DATA frame to its stream's Received
// Packet Manager (§4.10 "Dispatch"). Unknown stream ids are dropped
// silently per §7 MalformedHeader/OutOfWindow handling.
func (c *Connection) DispatchData(h *wire.DataHeader, recvTime time.Time) (immediateAck bool, err error) {
	s, ok := c.streams[h.StreamID]
	if !ok {
		return false, ErrUnknownStream
	}
	if h.IsFin() {
		defer s.OnFin()
	}
	return s.Rcv.AddPkt(h, recvTime)
}

// DispatchAck routes one decoded ACK frame to its stream's Sent Packet
// Manager, bracketed by OnAckPktProcessingStart/Done across every active
// CC so RTT updates, loss decisions, and ACKs land as one atomic batch
// (§5 "Ordering guarantees").
func (c *Connection) DispatchAck(h *wire.AckHeader, now time.Time) (retransmits []*wire.DataHeader, moveFwd *uint32, err error) {
	s, ok := c.streams[h.StreamID]
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	for _, inst := range c.ccs {
		inst.OnAckPktProcessingStart(now)
	}
	retransmits, moveFwd = s.Snd.OnAck(h, now)
	for _, inst := range c.ccs {
		inst.OnAckPktProcessingDone(now)
	}
	return retransmits, moveFwd, nil
}

// DispatchCCSync routes a CC_SYNC frame to the CC instance owning its
// cc-id (§4.10 dispatch table).
func (c *Connection) DispatchCCSync(h *wire.CCSyncHeader) {
	for _, inst := range c.ccs {
		if uint8(inst.ID()) == h.CCID {
			inst.ProcessSyncParams(h.Seq, h.Payload)
			return
		}
	}
}

// DispatchCCPktTrain routes a CC_PKT_TRAIN leg to every CC that uses
// packet-pair trains (Copa2/Copa3).
func (c *Connection) DispatchCCPktTrain(h *wire.CCPktTrainHeader, sendTS, recvTS time.Time) {
	for _, inst := range c.ccs {
		if uint8(inst.ID()) == h.CCID {
			inst.ProcessCcPktTrain(h.TrainID, h.PktIndex, h.PktCount, sendTS, recvTS)
		}
	}
}

// CheckOutage polls the RTT manager's outage state, applying §4.10
// "Outage" handling on every transition: forcing unacked packets lost and
// notifying every CC when the outage clears.
func (c *Connection) CheckOutage(now time.Time) {
	wasOutage := c.inOutage
	c.inOutage = c.RTT.InOutage()
	if wasOutage && !c.inOutage {
		c.forceUnackedPacketsLost(now)
		for _, inst := range c.ccs {
			inst.OnOutageEnd()
		}
	}
}

// forceUnackedPacketsLost marks every outstanding packet on every stream
// lost through RetransmitRTO, which applies each stream's own
// retransmission rule, as an outage-clear implies the old RTO estimate can
// no longer be trusted.
func (c *Connection) forceUnackedPacketsLost(now time.Time) {
	for _, s := range c.streams {
		for _, e := range s.Snd.Outstanding() {
			s.Snd.RetransmitRTO(e.Seq, now)
		}
	}
}

// ResetStream closes one stream on RESET_STREAM (§4.10 dispatch table).
func (c *Connection) ResetStream(id uint8) {
	if s, ok := c.streams[id]; ok {
		s.Reset()
	}
}

// EnterPeerCloseWait handles an inbound CLOSE_CONN (§4.10 dispatch
// table).
func (c *Connection) EnterPeerCloseWait() { c.state = PeerCloseWait }

// CloseLocal starts an orderly local close (facade Close/CloseStream).
func (c *Connection) CloseLocal() {
	if c.state == PeerCloseWait {
		c.state = ClosedWait
		return
	}
	c.state = AppCloseWait
}

// NextSeq returns the next per-connection sequence counter value, used
// only to order ACK-processing events across a connection's streams for
// logging/diagnostics — never for delivery (§3 "Connection").
func (c *Connection) NextSeq() uint32 {
	c.seqCounter++
	return c.seqCounter
}
