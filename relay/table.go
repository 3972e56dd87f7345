package relay

import (
	"sync"
	"time"

	"github.com/VanDung-dev/eventnet/network"
)

// table is the connection table: at most one live peer per NodeID.
// Fan-out takes the read lock; membership changes take the write lock.
type table struct {
	mu    sync.RWMutex
	peers map[network.NodeID]*peer
}

func newTable() *table {
	return &table{peers: make(map[network.NodeID]*peer)}
}

// register installs p and returns the peer it replaced, if any.
func (t *table) register(p *peer) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.peers[p.id]
	t.peers[p.id] = p
	p.setState(StateRegistered)
	return prev
}

// remove deletes p only if it is still the registered peer for its id.
func (t *table) remove(p *peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[p.id] != p {
		return false
	}
	delete(t.peers, p.id)
	return true
}

func (t *table) get(id network.NodeID) *peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[id]
}

func (t *table) snapshot() []*peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// stale returns peers not seen since cutoff.
func (t *table) stale(cutoff time.Time) []*peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*peer
	for _, p := range t.peers {
		if p.LastSeen().Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
