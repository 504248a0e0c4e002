// Package sockmgr is the Socket Manager (C2): owns a set of UDP sockets,
// produces readable events, and performs batched receive. Unlike the
// spec's raw-epoll framing, this is adapted Go-style: rather than exposing
// a raw fd set for the application to select() on and then calling back
// into a synchronous read, each socket has one reader goroutine blocked in
// the kernel that forwards whatever it reads onto a channel. The facade's
// single logical thread drains that channel in its run loop, so §5's
// "every callback runs on this thread" contract still holds — the reader
// goroutines touch no connection state, only socket I/O.
// GetFileDescriptorList/SvcFileDescriptor (§4.12) remain available for
// embedders that want to multiplex SLIQ's sockets into their own poll loop
// instead of using the Events channel.
package sockmgr

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SocketID identifies one UDP socket owned by the Manager.
type SocketID int

// Config mirrors sliq_socket_manager.h's per-socket tuning (§4.2,
// SPEC_FULL.md §D.6): buffer sizes and whether to request kernel receive
// timestamps.
type Config struct {
	RecvBufBytes     int
	SendBufBytes     int
	KernelTimestamps bool
	MaxPacketSize    int
}

// Packet is one received UDP datagram, tagged with the socket it arrived on.
type Packet struct {
	Socket   SocketID
	From     *net.UDPAddr
	Payload  []byte
	RecvTime time.Time
}

// WriteResult is the sum type §4.2 describes for socket writes.
type WriteResult struct {
	Bytes   int
	Blocked bool
	Err     error
}

type socket struct {
	id     SocketID
	conn   *net.UDPConn
	cfg    Config
	closed chan struct{}
}

// Manager owns up to FD_SETSIZE sockets (§4.2). Creating/closing sockets,
// and calling Write, must happen on the facade's single thread; the
// Events channel is the only thing safely read from that same thread
// after being fed by background reader goroutines.
type Manager struct {
	mu      sync.Mutex
	sockets map[SocketID]*socket
	nextID  SocketID

	Events chan Packet
}

func New() *Manager {
	return &Manager{sockets: make(map[SocketID]*socket), Events: make(chan Packet, 1024)}
}

// Listen opens a bound UDP socket (for a listener or server-data endpoint).
func (m *Manager) Listen(laddr *net.UDPAddr, cfg Config) (SocketID, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return 0, err
	}
	return m.register(conn, cfg), nil
}

// Dial opens a UDP socket connected to raddr (client-data endpoint).
func (m *Manager) Dial(raddr *net.UDPAddr, cfg Config) (SocketID, error) {
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return 0, err
	}
	return m.register(conn, cfg), nil
}

func (m *Manager) register(conn *net.UDPConn, cfg Config) SocketID {
	if cfg.RecvBufBytes > 0 {
		_ = conn.SetReadBuffer(cfg.RecvBufBytes)
	}
	if cfg.SendBufBytes > 0 {
		_ = conn.SetWriteBuffer(cfg.SendBufBytes)
	}
	if cfg.KernelTimestamps {
		_ = setKernelTimestamps(conn)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 65507
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	s := &socket{id: id, conn: conn, cfg: cfg, closed: make(chan struct{})}
	m.sockets[id] = s
	m.mu.Unlock()

	go m.readLoop(s)
	return id
}

// readLoop blocks in the kernel and forwards each datagram as it arrives.
// It never truncates: each read uses a full-size buffer allocated fresh,
// so the channel holds the real payload, not a window into a reused slice.
func (m *Manager) readLoop(s *socket) {
	for {
		buf := make([]byte, s.cfg.MaxPacketSize)
		n, addr, err := s.conn.ReadFromUDP(buf)
		recvTime := time.Now()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		select {
		case m.Events <- Packet{Socket: s.id, From: addr, Payload: buf[:n], RecvTime: recvTime}:
		case <-s.closed:
			return
		}
	}
}

// ReadPackets drains up to batch already-queued events for socket id
// without blocking — the batched-receive surface §4.2 asks for, backed by
// the channel readLoop already filled.
func (m *Manager) ReadPackets(id SocketID, batch int) []Packet {
	out := make([]Packet, 0, batch)
	for len(out) < batch {
		select {
		case pkt := <-m.Events:
			if pkt.Socket != id {
				// Not for this socket; re-queue and stop rather than drop.
				go func(p Packet) { m.Events <- p }(pkt)
				return out
			}
			out = append(out, pkt)
		default:
			return out
		}
	}
	return out
}

// Write sends one packet. dst is nil for a connected (Dial'd) socket.
func (m *Manager) Write(id SocketID, dst *net.UDPAddr, payload []byte) WriteResult {
	m.mu.Lock()
	s, ok := m.sockets[id]
	m.mu.Unlock()
	if !ok {
		return WriteResult{Err: ErrUnknownSocket}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	var n int
	var err error
	if dst != nil {
		n, err = s.conn.WriteToUDP(payload, dst)
	} else {
		n, err = s.conn.Write(payload)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return WriteResult{Blocked: true}
		}
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return WriteResult{Blocked: true}
		}
		return WriteResult{Err: err}
	}
	return WriteResult{Bytes: n}
}

// Close closes socket id and stops its reader goroutine.
func (m *Manager) Close(id SocketID) error {
	m.mu.Lock()
	s, ok := m.sockets[id]
	delete(m.sockets, id)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSocket
	}
	close(s.closed)
	return s.conn.Close()
}

// LocalAddr returns the local address socket id is bound to.
func (m *Manager) LocalAddr(id SocketID) (*net.UDPAddr, error) {
	m.mu.Lock()
	s, ok := m.sockets[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSocket
	}
	return s.conn.LocalAddr().(*net.UDPAddr), nil
}

// FD returns the raw file descriptor for id, for embedders that run their
// own poll loop (§4.12 GetFileDescriptorList).
func (m *Manager) FD(id SocketID) (uintptr, error) {
	m.mu.Lock()
	s, ok := m.sockets[id]
	m.mu.Unlock()
	if !ok {
		return 0, ErrUnknownSocket
	}
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	ctrlErr := raw.Control(func(f uintptr) { fd = f })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// SvcFileDescriptor services socket id after the embedder's own poll loop
// reports it readable (§4.12). With the push-model reader goroutines above
// it's equivalent to ReadPackets, kept as a distinct name for API parity
// with spec.md's SliqApp contract.
func (m *Manager) SvcFileDescriptor(id SocketID, batch int) []Packet {
	return m.ReadPackets(id, batch)
}

var ErrUnknownSocket = os.ErrInvalid

func setKernelTimestamps(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return setErr
}
