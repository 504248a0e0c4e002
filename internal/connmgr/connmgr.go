// Package connmgr is the Connection Manager (C11): owns every live
// Connection, indexed by endpoint-id (primary) and peer address (secondary),
// and defers destruction to a reaper so a connection may safely request its
// own teardown from inside a callback (§4.11).
package connmgr

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"sliq/internal/conn"
)

// blockCount/slotsPerBlock give the primary index's fixed 16×64 shape
// (§4.11 "O(1) using a 2-D array of 16 blocks x 64 slots"). Endpoint-ids
// hash into a block/slot pair; collisions within a slot chain through a
// short slice, so the array stays O(1) in the common case without
// requiring a perfect hash.
const (
	blockCount   = 16
	slotsPerBlock = 64
)

// recycleGuardTTL is how long a destroyed endpoint-id is remembered to
// reject replayed/stale packets still addressed to it, via go-cache's own
// expiry sweep rather than a hand-rolled timer.
const recycleGuardTTL = 30 * time.Second

type slot struct {
	entries []*conn.Connection
}

// Manager is the Connection Manager. Not safe for concurrent use (§5:
// single cooperative thread) — the facade is the only caller.
type Manager struct {
	blocks [blockCount][slotsPerBlock]slot

	byAddr map[string]*conn.Connection

	reaperList []xid.ID
	recycled   *cache.Cache

	log *zap.Logger
}

// New constructs an empty Manager.
func New(log *zap.Logger) *Manager {
	return &Manager{
		byAddr:   make(map[string]*conn.Connection),
		recycled: cache.New(recycleGuardTTL, recycleGuardTTL/2),
		log:      log,
	}
}

func index(id xid.ID) (block, s int) {
	h := uint32(0)
	for _, b := range id.Bytes() {
		h = h*31 + uint32(b)
	}
	return int(h % blockCount), int((h / blockCount) % slotsPerBlock)
}

// Add registers a new Connection under both indexes.
func (m *Manager) Add(c *conn.Connection) {
	b, s := index(c.EndpointID)
	m.blocks[b][s].entries = append(m.blocks[b][s].entries, c)
	m.byAddr[c.Peer.String()] = c
}

// ByEndpointID looks up a Connection by its endpoint-id (primary index).
func (m *Manager) ByEndpointID(id xid.ID) (*conn.Connection, bool) {
	b, s := index(id)
	for _, c := range m.blocks[b][s].entries {
		if c.EndpointID == id {
			return c, true
		}
	}
	return nil, false
}

// ByPeerAddr looks up a Connection by its peer address:port (secondary
// index).
func (m *Manager) ByPeerAddr(addr *net.UDPAddr) (*conn.Connection, bool) {
	c, ok := m.byAddr[addr.String()]
	return c, ok
}

// recycled cache keys are prefixed so the endpoint-id and peer-address
// guards can share one cache/TTL sweep without colliding.
const (
	recycledIDPrefix   = "id:"
	recycledAddrPrefix = "addr:"
)

// WasRecentlyDestroyed reports whether id was destroyed within the last
// recycleGuardTTL, so the caller can silently drop a stray packet that
// still names it instead of treating it as a fresh handshake.
func (m *Manager) WasRecentlyDestroyed(id xid.ID) bool {
	_, found := m.recycled.Get(recycledIDPrefix + id.String())
	return found
}

// WasPeerRecentlyDestroyed reports whether the connection at addr was
// destroyed within the last recycleGuardTTL. Unlike WasRecentlyDestroyed,
// this is keyed by peer address rather than endpoint-id: a CONN_HELLO
// opening a new connection carries no endpoint-id yet, so the only handle
// a caller has on "is this the same peer we just reaped" is its address
// (§4.11 anti-replay guard).
func (m *Manager) WasPeerRecentlyDestroyed(addr *net.UDPAddr) bool {
	_, found := m.recycled.Get(recycledAddrPrefix + addr.String())
	return found
}

// DeleteConnection appends endpoint-id to the reaper list rather than
// destroying it immediately (§4.11: "a connection may safely request its
// own destruction from a callback").
func (m *Manager) DeleteConnection(id xid.ID) {
	for _, pending := range m.reaperList {
		if pending == id {
			return
		}
	}
	m.reaperList = append(m.reaperList, id)
}

// Reap destroys every connection queued since the last Reap call. Callers
// drive this from the facade's millisecond timer (§4.11).
func (m *Manager) Reap() int {
	n := 0
	for _, id := range m.reaperList {
		if m.destroy(id) {
			n++
		}
	}
	m.reaperList = m.reaperList[:0]
	return n
}

func (m *Manager) destroy(id xid.ID) bool {
	b, s := index(id)
	entries := m.blocks[b][s].entries
	for i, c := range entries {
		if c.EndpointID != id {
			continue
		}
		m.blocks[b][s].entries = append(entries[:i], entries[i+1:]...)
		delete(m.byAddr, c.Peer.String())
		m.recycled.SetDefault(recycledIDPrefix+id.String(), struct{}{})
		m.recycled.SetDefault(recycledAddrPrefix+c.Peer.String(), struct{}{})
		if m.log != nil {
			m.log.Info("connection manager: reaped connection", zap.String("endpoint_id", id.String()))
		}
		return true
	}
	return false
}

// Count returns the number of live (non-reaped) connections.
func (m *Manager) Count() int { return len(m.byAddr) }

// All returns every live connection, for facade-level iteration (timer
// servicing, FD list assembly).
func (m *Manager) All() []*conn.Connection {
	out := make([]*conn.Connection, 0, len(m.byAddr))
	for _, c := range m.byAddr {
		out = append(out, c)
	}
	return out
}
