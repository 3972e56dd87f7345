package bridge_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/eventnet/bridge"
	"github.com/VanDung-dev/eventnet/eventbus"
	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
)

type position struct {
	X int `cbor:"1,keyasint"`
	Y int `cbor:"2,keyasint"`
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return "tcp://127.0.0.1:" + strconv.Itoa(port)
}

func startRelay(t *testing.T, addr string) *relay.Server {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Listen = []string{addr}
	srv := relay.NewServer(cfg, relay.WithMetrics(metrics.NewMetrics("relay", prometheus.NewRegistry())))
	require.NoError(t, srv.Start(context.Background()))
	return srv
}

type node struct {
	bus     *eventbus.Bus
	client  *relay.Client
	service *bridge.Service
	metrics *metrics.Metrics
}

func startNode(t *testing.T, id network.NodeID, addr string) *node {
	t.Helper()
	m := metrics.NewMetrics("node", prometheus.NewRegistry())
	bus := eventbus.New(eventbus.WithMetrics(m))
	require.NoError(t, eventbus.Declare[position](bus, "game.position", network.Broadcast()))

	client := relay.NewClient(id, relay.ClientConfig{}, relay.WithClientMetrics(m))
	cfg := bridge.DefaultServiceConfig()
	cfg.Address = addr
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	cfg.Reconnect.MaxElapsedTime = 5 * time.Second

	svc := bridge.NewService(bus, client, cfg, bridge.WithMetrics(m))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return &node{bus: bus, client: client, service: svc, metrics: m}
}

// awaitPositions dispatches until n positions are readable in one tick
// or have accumulated across ticks.
func (n *node) awaitPositions(t *testing.T, want int) ([]position, []network.Metadata) {
	t.Helper()
	var got []position
	var origins []network.Metadata
	require.Eventually(t, func() bool {
		n.bus.Dispatch()
		for ev, origin := range eventbus.ReaderOf[position](n.bus).WithOrigin() {
			got = append(got, ev)
			if origin != nil {
				origins = append(origins, *origin)
			}
		}
		return len(got) >= want
	}, 3*time.Second, 10*time.Millisecond)
	return got, origins
}

func TestService_RoundTripThroughRelay(t *testing.T) {
	addr := freeAddr(t)
	srv := startRelay(t, addr)
	t.Cleanup(func() { _ = srv.Close() })

	a := startNode(t, 1, addr)
	b := startNode(t, 2, addr)
	c := startNode(t, 3, addr)
	require.Eventually(t, func() bool { return srv.PeerCount() == 3 }, time.Second, 5*time.Millisecond)

	for i := range 5 {
		require.NoError(t, eventbus.PublishNetworked(a.bus, position{X: i, Y: -i}))
	}
	require.NoError(t, eventbus.PublishScoped(a.bus, position{X: 100}, network.Targeted(3)))

	// the sender reads its own events locally, never echoed back
	a.bus.Dispatch()
	assert.Len(t, eventbus.ReaderOf[position](a.bus).Collect(), 6)

	got, origins := b.awaitPositions(t, 5)
	require.Len(t, got, 5)
	for i, p := range got {
		assert.Equal(t, position{X: i, Y: -i}, p)
		assert.Equal(t, network.NodeID(1), origins[i].Sender)
		assert.Equal(t, uint64(i+1), origins[i].Sequence)
	}

	got, _ = c.awaitPositions(t, 6)
	assert.Equal(t, position{X: 100}, got[5])

	a.bus.Dispatch()
	assert.Empty(t, eventbus.ReaderOf[position](a.bus).Collect())

	st := a.service.Status()
	assert.True(t, st.Running)
	assert.Equal(t, network.StateConnected.String(), st.State)
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, []string{"game.position"}, st.Networked)
}

func TestService_ReconnectsAfterRelayRestart(t *testing.T) {
	addr := freeAddr(t)
	srv := startRelay(t, addr)

	a := startNode(t, 1, addr)
	first := a.service.Status().Session
	require.NoError(t, srv.Stop())

	require.Eventually(t, func() bool {
		return a.client.State() != network.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// publishes while disconnected still reach local readers
	err := eventbus.PublishNetworked(a.bus, position{X: 1})
	assert.ErrorIs(t, err, network.ErrDisconnected)
	a.bus.Dispatch()
	assert.Len(t, eventbus.ReaderOf[position](a.bus).Collect(), 1)

	srv = startRelay(t, addr)
	t.Cleanup(func() { _ = srv.Close() })

	require.Eventually(t, func() bool {
		st := a.service.Status()
		return st.Reconnects == 1 && st.State == network.StateConnected.String()
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, first, a.service.Status().Session)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.Reconnects))
	assert.NotEmpty(t, a.service.Status().LastError)
}

func TestService_StartFailsWithoutRelay(t *testing.T) {
	bus := eventbus.New()
	client := relay.NewClient(5, relay.ClientConfig{})
	cfg := bridge.DefaultServiceConfig()
	cfg.Address = freeAddr(t)
	cfg.Reconnect.InitialInterval = 5 * time.Millisecond
	cfg.Reconnect.MaxElapsedTime = 50 * time.Millisecond

	svc := bridge.NewService(bus, client, cfg)
	err := svc.Start(context.Background())
	require.Error(t, err)
	var connErr *network.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.False(t, svc.IsRunning())
	assert.NotEmpty(t, svc.Status().LastError)
}

func TestService_StatusWhileStartRetries(t *testing.T) {
	bus := eventbus.New()
	require.NoError(t, eventbus.Declare[position](bus, "game.position", network.Broadcast()))

	cfg := bridge.DefaultServiceConfig()
	cfg.Address = freeAddr(t)
	cfg.Reconnect.InitialInterval = 20 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	cfg.Reconnect.MaxElapsedTime = time.Minute

	svc := bridge.NewService(bus, relay.NewClient(6, relay.ClientConfig{}), cfg)
	started := make(chan error, 1)
	go func() { started <- svc.Start(context.Background()) }()
	time.Sleep(200 * time.Millisecond)

	begin := time.Now()
	st := svc.Status()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.False(t, st.Running)
	assert.NotEqual(t, network.StateConnected.String(), st.State)

	// local play is unaffected while the relay is unreachable
	err := eventbus.PublishNetworked(bus, position{X: 3})
	assert.ErrorIs(t, err, network.ErrDisconnected)
	bus.Dispatch()
	assert.Len(t, eventbus.ReaderOf[position](bus).Collect(), 1)

	require.NoError(t, svc.Stop())
	select {
	case err := <-started:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.False(t, svc.IsRunning())
}

func TestService_RejectIsNotRetried(t *testing.T) {
	addr := freeAddr(t)
	srv := startRelay(t, addr)
	t.Cleanup(func() { _ = srv.Close() })

	bus := eventbus.New()
	cfg := bridge.DefaultServiceConfig()
	cfg.Address = addr
	cfg.Reconnect.MaxElapsedTime = time.Minute

	// NodeID zero is refused by the relay
	svc := bridge.NewService(bus, relay.NewClient(0, relay.ClientConfig{}), cfg)
	start := time.Now()
	err := svc.Start(context.Background())
	var rej *relay.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestService_LocalOnly(t *testing.T) {
	bus := eventbus.New()
	require.NoError(t, eventbus.Declare[position](bus, "game.position", network.Broadcast()))

	svc := bridge.NewService(bus, network.NewLocalOnly(4), bridge.ServiceConfig{})
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, eventbus.PublishNetworked(bus, position{X: 2}))
	bus.Dispatch()
	assert.Len(t, eventbus.ReaderOf[position](bus).Collect(), 1)

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.False(t, svc.Status().Running)
	assert.Equal(t, network.StateDisconnected.String(), svc.Status().State)
}
