package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/wire"
)

type recordConn struct {
	nopConn
	frames chan []byte
}

func newRecordConn() *recordConn { return &recordConn{frames: make(chan []byte, 16)} }

func (c *recordConn) Send(frame []byte) error {
	c.frames <- frame
	return nil
}

// stalledConn blocks every Send until release is closed.
type stalledConn struct {
	nopConn
	release chan struct{}
}

func (c *stalledConn) Send([]byte) error {
	<-c.release
	return errors.New("connection reset")
}

type brokenConn struct{ nopConn }

func (c *brokenConn) Send([]byte) error { return errors.New("broken pipe") }

func newTestServer(t *testing.T, cfg Config) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	return NewServer(cfg, WithMetrics(m)), m
}

func startWriter(p *peer) {
	go func() {
		_ = p.writeLoop()
		p.close()
	}()
}

func broadcastBody(t *testing.T, s *Server, seq uint64) []byte {
	t.Helper()
	body, err := s.batch.Encode([]network.RawEvent{{
		Metadata: network.NewMetadata(1, seq),
		Scope:    network.Broadcast(),
		TypeName: "test.ping",
		Payload:  []byte{byte(seq)},
	}})
	require.NoError(t, err)
	return body
}

func TestRoute_StalledAndBrokenPeersDoNotBlockOthers(t *testing.T) {
	s, m := newTestServer(t, Config{})

	from := newPeer(1, &nopConn{}, 4)
	healthy := []*recordConn{newRecordConn(), newRecordConn()}
	stalled := &stalledConn{release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })

	s.table.register(from)
	for i, conn := range healthy {
		p := newPeer(network.NodeID(10+i), conn, 16)
		s.table.register(p)
		startWriter(p)
	}
	stalledPeer := newPeer(20, stalled, 1)
	s.table.register(stalledPeer)
	startWriter(stalledPeer)
	brokenPeer := newPeer(21, &brokenConn{}, 4)
	s.table.register(brokenPeer)
	startWriter(brokenPeer)

	var bodies [][]byte
	for seq := uint64(1); seq <= 4; seq++ {
		bodies = append(bodies, broadcastBody(t, s, seq))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, body := range bodies {
			s.route(from, body)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("route blocked on a stalled peer")
	}

	for _, conn := range healthy {
		for seq := uint64(1); seq <= 4; seq++ {
			var frame []byte
			select {
			case frame = <-conn.frames:
			case <-time.After(time.Second):
				t.Fatalf("healthy peer missed event %d", seq)
			}
			kind, body, err := wire.Unpack(frame)
			require.NoError(t, err)
			require.Equal(t, wire.KindEvents, kind)
			events, err := s.batch.Decode(body)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, seq, events[0].Metadata.Sequence)
			assert.Equal(t, network.NodeID(1), events[0].Metadata.Sender)
		}
	}

	// The stalled writer holds one frame and its queue holds one more.
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.RelayDropped.WithLabelValues(metrics.ReasonQueueFull)), 2.0)
	assert.Eventually(t, func() bool {
		select {
		case <-brokenPeer.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPruneStale_DoesNotWaitForStalledPeers(t *testing.T) {
	s, m := newTestServer(t, Config{StaleTimeout: time.Millisecond})

	var peers []*peer
	for i := range 3 {
		stalled := &stalledConn{release: make(chan struct{})}
		t.Cleanup(func() { close(stalled.release) })
		p := newPeer(network.NodeID(30+i), stalled, 4)
		s.table.register(p)
		startWriter(p)
		peers = append(peers, p)
	}
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	assert.Equal(t, 3, s.PruneStale())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RelayPruned))

	for _, p := range peers {
		select {
		case <-p.done:
		case <-time.After(byeGrace + time.Second):
			t.Fatalf("peer %s not closed after grace", p.id)
		}
	}
}

func TestShutdown_WritesByeBeforeClosing(t *testing.T) {
	conn := newRecordConn()
	p := newPeer(40, conn, 4)
	startWriter(p)

	bye, err := wire.ControlFrame(wire.KindBye, wire.Bye{Reason: "stale"})
	require.NoError(t, err)
	p.shutdown(bye)

	select {
	case frame := <-conn.frames:
		assert.Equal(t, bye, frame)
	case <-time.After(time.Second):
		t.Fatal("bye not written")
	}
	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("peer not closed after bye")
	}
}
