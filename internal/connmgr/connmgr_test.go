package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sliq/internal/cc"
	"sliq/internal/conn"
	"sliq/internal/rttmgr"
)

func newConn(t *testing.T, port int) *conn.Connection {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr.Port = port
	cfg := conn.Config{
		RTT:        rttmgr.Config{MinRTO: 100 * time.Millisecond, MaxRTO: time.Second, OutageThreshold: 3},
		WindowPkts: 64,
		IsClient:   true,
		CCAlgs:     []cc.ID{cc.FixedRate},
		CCParams:   cc.Params{MaxSegmentSize: 1200, FixedRateBps: 1e6},
	}
	c, err := conn.New(addr, cfg, nil)
	require.NoError(t, err)
	return c
}

func TestAddAndLookupByBothIndexes(t *testing.T) {
	m := New(nil)
	c := newConn(t, 5000)
	m.Add(c)

	got, ok := m.ByEndpointID(c.EndpointID)
	require.True(t, ok)
	assert.Equal(t, c, got)

	got2, ok := m.ByPeerAddr(c.Peer)
	require.True(t, ok)
	assert.Equal(t, c, got2)
}

func TestDeleteIsDeferredUntilReap(t *testing.T) {
	m := New(nil)
	c := newConn(t, 5001)
	m.Add(c)

	m.DeleteConnection(c.EndpointID)
	_, ok := m.ByEndpointID(c.EndpointID)
	assert.True(t, ok, "connection must still be resolvable before Reap runs")

	n := m.Reap()
	assert.Equal(t, 1, n)
	_, ok = m.ByEndpointID(c.EndpointID)
	assert.False(t, ok)
	assert.True(t, m.WasRecentlyDestroyed(c.EndpointID))
}

func TestCountReflectsLiveConnections(t *testing.T) {
	m := New(nil)
	m.Add(newConn(t, 5002))
	m.Add(newConn(t, 5003))
	assert.Equal(t, 2, m.Count())
}

func TestWasPeerRecentlyDestroyedAfterReap(t *testing.T) {
	m := New(nil)
	c := newConn(t, 5005)
	m.Add(c)

	assert.False(t, m.WasPeerRecentlyDestroyed(c.Peer))
	m.DeleteConnection(c.EndpointID)
	m.Reap()
	assert.True(t, m.WasPeerRecentlyDestroyed(c.Peer))
}

func TestDeleteConnectionIsIdempotentInReaperList(t *testing.T) {
	m := New(nil)
	c := newConn(t, 5004)
	m.Add(c)
	m.DeleteConnection(c.EndpointID)
	m.DeleteConnection(c.EndpointID)
	assert.Equal(t, 1, m.Reap())
}
