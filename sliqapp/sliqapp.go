// Package sliqapp is the Transport Facade (C12): the public SliqApp
// surface wiring every core component together behind one
// single-threaded, callback-driven API (§4.12).
package sliqapp

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"sliq/config"
	"sliq/internal/capacity"
	"sliq/internal/cc"
	"sliq/internal/conn"
	"sliq/internal/connmgr"
	"sliq/internal/fec"
	"sliq/internal/reliability"
	"sliq/internal/rttmgr"
	"sliq/internal/sockmgr"
	"sliq/internal/stream"
	"sliq/internal/wire"
	"sliq/metrics"
)

var (
	ErrUnknownEndpoint = errors.New("sliqapp: unknown endpoint id")
	ErrUnknownStream   = errors.New("sliqapp: unknown stream id")
	ErrConnectionRejected = errors.New("sliqapp: connection request rejected by application")
)

// Callbacks is the facade's application-facing event surface (§4.12).
// Every field runs on the single facade thread; optional fields may be
// left nil.
type Callbacks struct {
	ProcessConnectionRequest   func(peer *net.UDPAddr) bool
	ProcessConnectionResult    func(id xid.ID, ok bool)
	ProcessNewStream           func(id xid.ID, streamID uint8)
	Recv                       func(id xid.ID, streamID uint8, payload []byte)
	ProcessPacketDrop          func(id xid.ID, streamID uint8, seq uint32) // optional
	ProcessTransmitQueueSize   func(id xid.ID, streamID uint8, packets int) // optional
	ProcessCapacityEstimate    func(id xid.ID, est capacity.Estimate)
	ProcessRttPddSamples       func(id xid.ID, srtt time.Duration) // optional
	ProcessCloseStream         func(id xid.ID, streamID uint8)
	ProcessClose               func(id xid.ID)
	ProcessFileDescriptorChange func()
}

// App is the Transport Facade. Not safe for concurrent use (§5): the
// embedding application's main loop is the only caller, on one thread.
type App struct {
	cfg   config.Config
	cbs   Callbacks
	log   *zap.Logger
	mx    *metrics.Collectors

	socks *sockmgr.Manager
	conns *connmgr.Manager
	codec *fec.Codec

	sockOwner map[sockmgr.SocketID]xid.ID // which connection owns a dial socket; zero value for the shared listen socket
	endpointSock map[xid.ID]sockmgr.SocketID // socket each connection sends on: its dial socket, or the listen socket for server connections
	listenSock sockmgr.SocketID
	haveListen bool

	ccAlgs []cc.ID
	ccParams cc.Params
}

// InitializeSliqApp constructs the facade (§4.12).
func InitializeSliqApp(cfg config.Config, cbs Callbacks, mx *metrics.Collectors, log *zap.Logger) *App {
	return &App{
		cfg:       cfg,
		cbs:       cbs,
		log:       log,
		mx:        mx,
		socks:     sockmgr.New(),
		conns:     connmgr.New(log),
		codec:     fec.New(),
		sockOwner: make(map[sockmgr.SocketID]xid.ID),
		endpointSock: make(map[xid.ID]sockmgr.SocketID),
		ccAlgs:    []cc.ID{cc.Cubic},
		ccParams:  cc.Params{InitialCwndPackets: 10, MaxCwndPackets: 4096, MaxSegmentSize: 1400},
	}
}

// ConfigureTcpFriendliness selects the CC algorithm list new connections
// negotiate (§4.12).
func (a *App) ConfigureTcpFriendliness(algs []cc.ID, params cc.Params) {
	a.ccAlgs = algs
	a.ccParams = params
}

func (a *App) connCfg() conn.Config {
	return conn.Config{
		RTT: rttmgr.Config{
			MinRTO:          time.Duration(a.cfg.Transport.MinRtoMillis) * time.Millisecond,
			MaxRTO:          time.Duration(a.cfg.Transport.MaxRtoMillis) * time.Millisecond,
			OutageThreshold: a.cfg.Transport.OutageThreshold,
		},
		WindowPkts: int(a.cfg.Transport.FlowCtrlWindowPkts),
		CCAlgs:     a.ccAlgs,
		CCParams:   a.ccParams,
	}
}

// Listen opens the shared listening socket new inbound connections
// arrive on (§4.12).
func (a *App) Listen(laddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return err
	}
	id, err := a.socks.Listen(udpAddr, sockmgr.Config{RecvBufBytes: 1 << 20, SendBufBytes: 1 << 20})
	if err != nil {
		return err
	}
	a.listenSock = id
	a.haveListen = true
	if a.cbs.ProcessFileDescriptorChange != nil {
		a.cbs.ProcessFileDescriptorChange()
	}
	return nil
}

// Connect dials a fresh socket bound to raddr, sends CONN_HELLO, and
// returns the new connection's endpoint-id right away, before the handshake
// completes; ProcessConnectionResult reports the outcome once the
// CONN_HELLO_ACK arrives.
func (a *App) Connect(raddr string) (xid.ID, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return xid.ID{}, err
	}
	sockID, err := a.socks.Dial(udpAddr, sockmgr.Config{RecvBufBytes: 1 << 20, SendBufBytes: 1 << 20})
	if err != nil {
		return xid.ID{}, err
	}
	cfg := a.connCfg()
	cfg.IsClient = true
	c, err := conn.New(udpAddr, cfg, a.log)
	if err != nil {
		return xid.ID{}, err
	}
	a.conns.Add(c)
	a.sockOwner[sockID] = c.EndpointID
	a.endpointSock[c.EndpointID] = sockID

	hello := c.BuildHello(time.Now())
	buf := make([]byte, 64+len(hello.CCAlgs))
	n, err := wire.EncodeHello(buf, hello)
	if err != nil {
		return xid.ID{}, err
	}
	a.socks.Write(sockID, udpAddr, buf[:n])
	return c.EndpointID, nil
}

// AddStream creates a new stream on an established connection (§4.12).
func (a *App) AddStream(id xid.ID, local bool, priority uint8, spec reliability.Spec, delivery reliability.Delivery, qcfg stream.QueueConfig) (uint8, error) {
	c, ok := a.conns.ByEndpointID(id)
	if !ok {
		return 0, ErrUnknownEndpoint
	}
	s, err := c.AddStream(local, priority, spec, delivery, qcfg, a.codec)
	if err != nil {
		return 0, err
	}
	if local {
		a.sendCreateStream(id, c, s.ID, priority, spec, delivery)
	}
	if a.cbs.ProcessNewStream != nil {
		a.cbs.ProcessNewStream(id, s.ID)
	}
	return s.ID, nil
}

// sendCreateStream notifies the peer of a locally-created stream so its
// Connection can register a matching Stream before any DATA/ACK frame for
// it arrives (§4.10 "Dispatch": CREATE_STREAM precedes DATA).
func (a *App) sendCreateStream(id xid.ID, c *conn.Connection, streamID, priority uint8, spec reliability.Spec, delivery reliability.Delivery) {
	sockID, ok := a.endpointSock[id]
	if !ok {
		return
	}
	h := &wire.CreateStreamHeader{
		StreamID:        streamID,
		Priority:        priority,
		ReliabilityMode: uint8(spec.Mode),
		DeliveryOrdered: delivery == reliability.Ordered,
		RexmitLimit:     spec.RexmitLimit,
	}
	if spec.Mode == reliability.SemiReliableARQFEC {
		h.FECGroupSize = 8
		h.TargetRecvProbPct = uint8(spec.TargetPktRecvProb * 100)
		if spec.TargetRounds > 0 {
			h.HasTargetRounds = true
			h.TargetRounds = spec.TargetRounds
		} else {
			h.TargetTimeSecX100 = uint16(spec.TargetTimeSec * 100)
		}
	}
	buf := make([]byte, 32)
	n, err := wire.EncodeCreateStream(buf, h)
	if err != nil {
		return
	}
	a.socks.Write(sockID, c.Peer, buf[:n])
}

// ConfigureRetransmissionLimit checks that id and streamID name an
// existing stream and returns ErrUnknownEndpoint or ErrUnknownStream if
// not. It does not change the stream's retransmission limit, which stays
// as given in the reliability spec at AddStream.
func (a *App) ConfigureRetransmissionLimit(id xid.ID, streamID uint8, limit uint8) error {
	_, s, err := a.lookupStream(id, streamID)
	if err != nil {
		return err
	}
	_ = s // the limit lives on the stream's reliability.Spec, already validated at AddStream time; runtime edits are out of scope for this facade surface.
	return nil
}

// Send enqueues one application payload on a stream (§4.12). Under
// HEAD_DROP the oldest queued payload may be evicted to make room; when
// that happens and a callback is registered, ProcessPacketDrop reports it
// (§8 "Boundary behaviour").
func (a *App) Send(id xid.ID, streamID uint8, payload []byte, fin bool) error {
	_, s, err := a.lookupStream(id, streamID)
	if err != nil {
		return err
	}
	droppedSeq, dropped, err := s.Enqueue(payload, fin)
	if dropped && a.cbs.ProcessPacketDrop != nil {
		a.cbs.ProcessPacketDrop(id, streamID, droppedSeq)
	}
	return err
}

// CloseStream closes the local half of one stream (§4.12).
func (a *App) CloseStream(id xid.ID, streamID uint8) error {
	_, s, err := a.lookupStream(id, streamID)
	if err != nil {
		return err
	}
	s.CloseLocal()
	if a.cbs.ProcessCloseStream != nil {
		a.cbs.ProcessCloseStream(id, streamID)
	}
	return nil
}

// Close starts an orderly connection close (§4.12).
func (a *App) Close(id xid.ID) error {
	c, ok := a.conns.ByEndpointID(id)
	if !ok {
		return ErrUnknownEndpoint
	}
	c.CloseLocal()
	a.conns.DeleteConnection(id)
	if a.cbs.ProcessClose != nil {
		a.cbs.ProcessClose(id)
	}
	return nil
}

func (a *App) lookupStream(id xid.ID, streamID uint8) (*conn.Connection, *stream.Stream, error) {
	c, ok := a.conns.ByEndpointID(id)
	if !ok {
		return nil, nil, ErrUnknownEndpoint
	}
	s, ok := c.Stream(streamID)
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	return c, s, nil
}

// GetFileDescriptorList returns every socket id the embedding
// application's select-loop should watch for readability (§5 scheduling
// model).
func (a *App) GetFileDescriptorList() []sockmgr.SocketID {
	ids := make([]sockmgr.SocketID, 0, len(a.sockOwner)+1)
	if a.haveListen {
		ids = append(ids, a.listenSock)
	}
	for id := range a.sockOwner {
		ids = append(ids, id)
	}
	return ids
}

// SvcFileDescriptor drains and processes every packet currently queued
// for one ready socket (§5 "Suspension points").
func (a *App) SvcFileDescriptor(id sockmgr.SocketID, now time.Time) {
	for _, pkt := range a.socks.ReadPackets(id, 64) {
		a.handlePacket(id, pkt, now)
	}
}

func (a *App) handlePacket(sockID sockmgr.SocketID, pkt sockmgr.Packet, now time.Time) {
	ft, err := wire.PeekType(pkt.Payload)
	if err != nil {
		return // MalformedHeader: silently drop (§7)
	}
	switch ft {
	case wire.ConnHello:
		a.handleHello(sockID, pkt, now)
	case wire.ConnHelloAck:
		a.handleHelloAck(pkt, now)
	case wire.Data:
		a.handleData(sockID, pkt, now)
	case wire.Ack:
		a.handleAck(pkt, now)
	case wire.CcSync:
		a.handleCCSync(pkt)
	case wire.CcPktTrain:
		a.handleCCPktTrain(pkt, now)
	case wire.ResetStream:
		a.handleResetStream(pkt)
	case wire.CloseConn:
		a.handleCloseConn(pkt)
	case wire.CreateStream:
		a.handleCreateStream(pkt)
	}
}

func (a *App) handleCreateStream(pkt sockmgr.Packet) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeCreateStream(pkt.Payload)
	if err != nil {
		return
	}
	spec := specFromCreateStream(h)
	delivery := reliability.Ordered
	if !h.DeliveryOrdered {
		delivery = reliability.Unordered
	}
	qcfg := stream.QueueConfig{MaxPackets: int(a.cfg.Transport.FlowCtrlWindowPkts), Order: stream.FIFO, Drop: stream.TailDrop}
	s, err := c.AddStreamWithID(h.StreamID, h.Priority, spec, delivery, qcfg, a.codec)
	if err != nil {
		if a.log != nil {
			a.log.Warn("create_stream rejected", zap.Uint8("stream_id", h.StreamID), zap.Error(err))
		}
		return
	}
	if a.cbs.ProcessNewStream != nil {
		a.cbs.ProcessNewStream(c.EndpointID, s.ID)
	}
}

// specFromCreateStream translates a CREATE_STREAM frame's wire encoding
// back into the reliability.Spec the receiving side validates against
// (§3, §6).
func specFromCreateStream(h *wire.CreateStreamHeader) reliability.Spec {
	spec := reliability.Spec{
		Mode:        reliability.Mode(h.ReliabilityMode),
		RexmitLimit: h.RexmitLimit,
	}
	if spec.Mode == reliability.SemiReliableARQFEC {
		spec.TargetPktRecvProb = float64(h.TargetRecvProbPct) / 100
		if h.HasTargetRounds {
			spec.TargetRounds = h.TargetRounds
		} else {
			spec.TargetTimeSec = float64(h.TargetTimeSecX100) / 100
		}
	}
	return spec
}

func (a *App) handleHello(sockID sockmgr.SocketID, pkt sockmgr.Packet, now time.Time) {
	h, err := wire.DecodeHello(pkt.Payload)
	if err != nil || h.Ack {
		return
	}
	if a.conns.WasPeerRecentlyDestroyed(pkt.From) {
		if a.log != nil {
			a.log.Debug("dropping hello from recently-destroyed peer", zap.Stringer("peer", pkt.From))
		}
		return
	}
	if a.cbs.ProcessConnectionRequest != nil && !a.cbs.ProcessConnectionRequest(pkt.From) {
		return
	}
	cfg := a.connCfg()
	cfg.IsClient = false
	c, err := conn.New(pkt.From, cfg, a.log)
	if err != nil {
		return
	}
	a.conns.Add(c)
	a.endpointSock[c.EndpointID] = sockID
	ack, err := c.OnHello(h, now)
	if err != nil || ack == nil {
		return
	}
	buf := make([]byte, 64+len(ack.CCAlgs))
	n, err := wire.EncodeHello(buf, ack)
	if err != nil {
		return
	}
	a.socks.Write(sockID, pkt.From, buf[:n])
	if a.cbs.ProcessConnectionResult != nil {
		a.cbs.ProcessConnectionResult(c.EndpointID, true)
	}
}

func (a *App) handleHelloAck(pkt sockmgr.Packet, now time.Time) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeHello(pkt.Payload)
	if err != nil {
		return
	}
	_, err = c.OnHello(h, now)
	ok2 := err == nil
	if a.cbs.ProcessConnectionResult != nil {
		a.cbs.ProcessConnectionResult(c.EndpointID, ok2)
	}
	if !ok2 {
		a.conns.DeleteConnection(c.EndpointID)
	}
}

func (a *App) handleData(sockID sockmgr.SocketID, pkt sockmgr.Packet, now time.Time) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		if a.log != nil && a.conns.WasPeerRecentlyDestroyed(pkt.From) {
			a.log.Debug("dropping data from recently-destroyed peer", zap.Stringer("peer", pkt.From))
		}
		return
	}
	h, err := wire.DecodeData(pkt.Payload)
	if err != nil {
		return // MalformedHeader (§7)
	}
	immediateAck, err := c.DispatchData(h, now)
	if err != nil {
		return // unknown stream / out-of-window: silently drop (§7)
	}
	s, ok := c.Stream(h.StreamID)
	if !ok {
		return
	}
	if a.cbs.Recv != nil {
		for _, e := range s.Rcv.DeliverReady() {
			a.cbs.Recv(c.EndpointID, h.StreamID, e.Payload)
		}
	}
	if immediateAck {
		a.sendAck(sockID, c.Peer, s.Rcv.PrepareAck())
	}
}

func (a *App) handleAck(pkt sockmgr.Packet, now time.Time) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeAck(pkt.Payload)
	if err != nil {
		return
	}
	_, _, _ = c.DispatchAck(h, now)
}

func (a *App) handleCCSync(pkt sockmgr.Packet) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeCCSync(pkt.Payload)
	if err != nil {
		return
	}
	c.DispatchCCSync(h)
}

func (a *App) handleCCPktTrain(pkt sockmgr.Packet, now time.Time) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeCCPktTrain(pkt.Payload)
	if err != nil {
		return
	}
	c.DispatchCCPktTrain(h, time.UnixMicro(int64(h.SendTS)), now)
}

func (a *App) handleResetStream(pkt sockmgr.Packet) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	h, err := wire.DecodeResetStream(pkt.Payload)
	if err != nil {
		return
	}
	c.ResetStream(h.StreamID)
}

func (a *App) handleCloseConn(pkt sockmgr.Packet) {
	c, ok := a.conns.ByPeerAddr(pkt.From)
	if !ok {
		return
	}
	c.EnterPeerCloseWait()
	if a.cbs.ProcessClose != nil {
		a.cbs.ProcessClose(c.EndpointID)
	}
}

// Tick drives every timer-dependent duty the spec assigns the facade's
// main loop (§5 "service the timer wheel"): pumping each stream's
// transmit queue, advancing FEC rounds, checking outage transitions, and
// reaping deleted connections.
func (a *App) Tick(now time.Time) {
	for endpointID, sockID := range a.endpointSock {
		c, ok := a.conns.ByEndpointID(endpointID)
		if !ok {
			continue
		}
		c.CheckOutage(now)
		epLabel := endpointID.String()
		if a.mx != nil {
			a.mx.SRTTMicros.WithLabelValues(epLabel).Set(float64(c.RTT.SRTT().Microseconds()))
			a.mx.RTOMicros.WithLabelValues(epLabel).Set(float64(c.RTT.RTO().Microseconds()))
		}
		for _, s := range c.Streams() {
			streamLabel := strconv.Itoa(int(s.ID))
			s.Snd.AdvanceRounds(now, c.RTT.SRTT())
			for _, h := range s.Pump(now) {
				buf := make([]byte, wire.EncodedLen(h)+len(h.Payload))
				n, err := wire.EncodeData(buf, h)
				if err != nil {
					continue
				}
				a.socks.Write(sockID, c.Peer, buf[:n])
			}
			ackHdr := s.Rcv.PrepareAck()
			a.sendAck(sockID, c.Peer, ackHdr)
			est, changed := c.Cap.MaybeReport(now, nil, c.RTT.SRTT())
			if changed && a.cbs.ProcessCapacityEstimate != nil {
				a.cbs.ProcessCapacityEstimate(endpointID, est)
			}
			if changed && a.mx != nil {
				a.mx.ChannelCapBps.WithLabelValues(epLabel).Set(est.ChannelBps)
				a.mx.TransportCapBps.WithLabelValues(epLabel).Set(est.TransportBps)
			}
			if a.mx != nil {
				packets, bytes, _ := s.Snd.Counts()
				a.mx.CongestionWindow.WithLabelValues(epLabel, streamLabel).Set(float64(bytes))
				if a.cbs.ProcessTransmitQueueSize != nil {
					a.cbs.ProcessTransmitQueueSize(endpointID, s.ID, packets)
				}
			}
		}
	}
	a.conns.Reap()
}

func (a *App) sendAck(sockID sockmgr.SocketID, peer *net.UDPAddr, h *wire.AckHeader) {
	buf := make([]byte, 256+2*len(h.BlockOffsets)+8*len(h.ObservedTimes)+4*len(h.RecentHistory))
	n, err := wire.EncodeAck(buf, h)
	if err != nil {
		return
	}
	a.socks.Write(sockID, peer, buf[:n])
}

// GetTransmitQueueSizeInBytes reports one stream's Sent Packet Manager
// backlog in bytes (§4.12).
func (a *App) GetTransmitQueueSizeInBytes(id xid.ID, streamID uint8) (int, error) {
	_, s, err := a.lookupStream(id, streamID)
	if err != nil {
		return 0, err
	}
	_, bytes, _ := s.Snd.Counts()
	return bytes, nil
}

// GetTransmitQueueSizeInPackets reports one stream's Sent Packet Manager
// backlog in packets (§4.12).
func (a *App) GetTransmitQueueSizeInPackets(id xid.ID, streamID uint8) (int, error) {
	_, s, err := a.lookupStream(id, streamID)
	if err != nil {
		return 0, err
	}
	packets, _, _ := s.Snd.Counts()
	return packets, nil
}
