package sliqapp

import (
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sliq/config"
	"sliq/internal/cc"
	"sliq/internal/reliability"
	"sliq/internal/stream"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	app := InitializeSliqApp(cfg, Callbacks{}, nil, nil)
	app.ConfigureTcpFriendliness([]cc.ID{cc.FixedRate}, cc.Params{MaxSegmentSize: 1200, FixedRateBps: 1e6})
	return app
}

func TestListenAssignsListenSocket(t *testing.T) {
	app := testApp(t)
	err := app.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, app.haveListen)
	fds := app.GetFileDescriptorList()
	assert.Contains(t, fds, app.listenSock)
}

func TestConnectRegistersConnectionAndSendsHello(t *testing.T) {
	server := testApp(t)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	addr, err := server.socks.LocalAddr(server.listenSock)
	require.NoError(t, err)

	client := testApp(t)
	id, err := client.Connect(addr.String())
	require.NoError(t, err)
	assert.NotEqual(t, xid.ID{}, id)

	_, ok := client.conns.ByEndpointID(id)
	assert.True(t, ok)
}

func TestHandshakeEndToEndOverLoopback(t *testing.T) {
	server := testApp(t)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	addr, err := server.socks.LocalAddr(server.listenSock)
	require.NoError(t, err)

	client := testApp(t)
	clientID, err := client.Connect(addr.String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, pkt := range server.socks.ReadPackets(server.listenSock, 8) {
			server.handlePacket(server.listenSock, pkt, time.Now())
		}
		for sockID := range client.sockOwner {
			for _, pkt := range client.socks.ReadPackets(sockID, 8) {
				client.handlePacket(sockID, pkt, time.Now())
			}
		}
		c, ok := client.conns.ByEndpointID(clientID)
		return ok && c.State().String() == "connected"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAddStreamAllocatesID(t *testing.T) {
	app := testApp(t)
	require.NoError(t, app.Listen("127.0.0.1:0"))
	addr, err := app.socks.LocalAddr(app.listenSock)
	require.NoError(t, err)
	id, err := app.Connect(addr.String())
	require.NoError(t, err)

	spec := reliability.Spec{Mode: reliability.ReliableARQ}
	qcfg := stream.QueueConfig{MaxPackets: 16, Order: stream.FIFO, Drop: stream.NoDrop}
	sID, err := app.AddStream(id, true, 0, spec, reliability.Ordered, qcfg)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), sID)
}

func TestSendOnUnknownEndpointErrors(t *testing.T) {
	app := testApp(t)
	err := app.Send(xid.New(), 1, []byte("x"), false)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestGetTransmitQueueSizeOnUnknownStreamErrors(t *testing.T) {
	app := testApp(t)
	require.NoError(t, app.Listen("127.0.0.1:0"))
	addr, err := app.socks.LocalAddr(app.listenSock)
	require.NoError(t, err)
	id, err := app.Connect(addr.String())
	require.NoError(t, err)

	_, err = app.GetTransmitQueueSizeInBytes(id, 9)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestSendUnderHeadDropFiresProcessPacketDrop(t *testing.T) {
	var droppedSeqs []uint32
	cfg := config.Default()
	app := InitializeSliqApp(cfg, Callbacks{
		ProcessPacketDrop: func(id xid.ID, streamID uint8, seq uint32) {
			droppedSeqs = append(droppedSeqs, seq)
		},
	}, nil, nil)
	app.ConfigureTcpFriendliness([]cc.ID{cc.FixedRate}, cc.Params{MaxSegmentSize: 1200, FixedRateBps: 1e6})

	require.NoError(t, app.Listen("127.0.0.1:0"))
	addr, err := app.socks.LocalAddr(app.listenSock)
	require.NoError(t, err)
	id, err := app.Connect(addr.String())
	require.NoError(t, err)

	spec := reliability.Spec{Mode: reliability.ReliableARQ}
	qcfg := stream.QueueConfig{MaxPackets: 1, Order: stream.FIFO, Drop: stream.HeadDrop}
	sID, err := app.AddStream(id, true, 0, spec, reliability.Ordered, qcfg)
	require.NoError(t, err)

	require.NoError(t, app.Send(id, sID, []byte("a"), false))
	require.NoError(t, app.Send(id, sID, []byte("b"), false))
	assert.Equal(t, []uint32{0}, droppedSeqs)
}

func TestCloseMarksConnectionForReap(t *testing.T) {
	app := testApp(t)
	require.NoError(t, app.Listen("127.0.0.1:0"))
	addr, err := app.socks.LocalAddr(app.listenSock)
	require.NoError(t, err)
	id, err := app.Connect(addr.String())
	require.NoError(t, err)

	require.NoError(t, app.Close(id))
	_, ok := app.conns.ByEndpointID(id)
	assert.True(t, ok, "connection stays resolvable until Reap runs")
	app.Tick(time.Now())
	_, ok = app.conns.ByEndpointID(id)
	assert.False(t, ok)
}
