package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/transport"
)

// SessionState is the lifecycle state of one relay session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateHandshaking
	StateRegistered
	StateClosing
	StateRemoved
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// PeerInfo is a snapshot of one registered session.
type PeerInfo struct {
	NodeID      network.NodeID `json:"node_id"`
	Session     string         `json:"session"`
	RemoteAddr  string         `json:"remote_addr"`
	State       string         `json:"state"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
	QueueDepth  int            `json:"queue_depth"`
}

// byeGrace bounds how long a closing peer's writer gets to flush its Bye.
const byeGrace = time.Second

type peer struct {
	id          network.NodeID
	session     string
	conn        transport.Conn
	queue       chan []byte
	final       chan []byte
	connectedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id network.NodeID, conn transport.Conn, queueSize int) *peer {
	p := &peer{
		id:          id,
		session:     ulid.Make().String(),
		conn:        conn,
		queue:       make(chan []byte, queueSize),
		final:       make(chan []byte, 1),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	p.setState(StateHandshaking)
	p.touch()
	return p
}

func (p *peer) setState(s SessionState) { p.state.Store(int32(s)) }

func (p *peer) State() SessionState { return SessionState(p.state.Load()) }

func (p *peer) touch() { p.lastSeen.Store(time.Now().UnixNano()) }

func (p *peer) LastSeen() time.Time { return time.Unix(0, p.lastSeen.Load()) }

// enqueue never blocks. A full queue drops the frame for this peer only.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- frame:
		return true
	default:
		return false
	}
}

// shutdown hands frame to the writer as the last frame of the session and
// closes the peer once it is written or byeGrace has passed. It never blocks.
func (p *peer) shutdown(frame []byte) {
	select {
	case p.final <- frame:
	default:
	}
	time.AfterFunc(byeGrace, p.close)
}

// writeLoop drains the queue until the peer closes or a send fails.
func (p *peer) writeLoop() error {
	for {
		select {
		case <-p.done:
			return nil
		case frame := <-p.final:
			err := p.conn.Send(frame)
			p.close()
			return err
		case frame := <-p.queue:
			if err := p.conn.Send(frame); err != nil {
				return err
			}
		}
	}
}

// close moves the peer to Closing and tears down its connection. Only the
// first call has any effect.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.setState(StateClosing)
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		NodeID:      p.id,
		Session:     p.session,
		RemoteAddr:  p.conn.RemoteAddr(),
		State:       p.State().String(),
		ConnectedAt: p.connectedAt,
		LastSeen:    p.LastSeen(),
		QueueDepth:  len(p.queue),
	}
}
