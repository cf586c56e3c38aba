package peers

import (
	"context"
	"sync"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/logging"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
)

// BackpressurePolicy selects what happens when a peer's outbox is full.
type BackpressurePolicy int

const (
	// PolicyDrop discards the frame destined for the slow peer.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes the slow peer's link.
	PolicyKick
)

// Peer is one connected federation member's send handle. Frames enqueue
// into the peer's outbox and a single worker goroutine writes them out.
type Peer struct {
	ID        chat.ServerId
	box       *Outbox
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the peer link is closed (idempotent). The outbox worker
// is stopped by the owning link's teardown, not here.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.Closed)
	})
}

// Hub tracks connected peer servers and routes outbound frames to the
// right one. Unlike a broadcast fan-out, every send is directed: frames
// address a single next hop.
type Hub struct {
	mu         sync.RWMutex
	peers      map[chat.ServerId]*Peer
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{peers: make(map[chat.ServerId]*Peer)} }

// NewPeer allocates a send handle for id whose outbox worker delivers
// frames via send. The hub's policy decides overflow behavior: kicked
// peers are closed so their link tears down, dropped frames are counted.
func (h *Hub) NewPeer(ctx context.Context, id chat.ServerId, send func(chat.ServerMessage) error) *Peer {
	size := h.OutBufSize
	if size <= 0 {
		size = 64
	}
	p := &Peer{ID: id, Closed: make(chan struct{})}
	p.box = NewOutbox(ctx, size, send, Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrPeerWrite)
			logging.L().Warn("peer_write_error", "peer", id, "error", err)
			p.Close()
		},
		OnAfter: metrics.IncPeerTx,
		OnDrop: func() error {
			if h.Policy == PolicyKick {
				metrics.IncPeerKick()
				p.Close()
			} else {
				metrics.IncPeerDrop()
			}
			return nil
		},
	})
	return p
}

// Add registers a peer with the hub. A newer link for the same ServerId
// replaces the old one, which is closed.
func (h *Hub) Add(p *Peer) {
	h.mu.Lock()
	prev, existed := h.peers[p.ID]
	h.peers[p.ID] = p
	cur := len(h.peers)
	h.mu.Unlock()
	if existed {
		prev.Close()
		logging.L().Info("peer_link_replaced", "peer", p.ID)
	}
	metrics.SetActivePeers(cur)
}

// Remove unregisters a peer; safe to call multiple times. Only the link
// currently registered under the id is removed, so a replaced link's
// teardown cannot evict its successor.
func (h *Hub) Remove(p *Peer) {
	h.mu.Lock()
	cur, ok := h.peers[p.ID]
	if ok && cur == p {
		delete(h.peers, p.ID)
	}
	n := len(h.peers)
	h.mu.Unlock()
	p.Close()
	p.box.Close()
	metrics.SetActivePeers(n)
}

// Get returns the registered peer for id.
func (h *Hub) Get(id chat.ServerId) (*Peer, bool) {
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	return p, ok
}

// Send enqueues msg for nexthop. It reports false when no link to nexthop
// exists; overflow handling follows the hub policy and never blocks.
func (h *Hub) Send(nexthop chat.ServerId, msg chat.ServerMessage) bool {
	p, ok := h.Get(nexthop)
	if !ok {
		return false
	}
	_ = p.box.Send(msg)
	return true
}

// Dispatch hands each Outgoing to its next hop. Frames for unknown peers
// are counted and logged, then dropped; they are neither queued nor
// retried.
func (h *Hub) Dispatch(out []chat.Outgoing) {
	for _, o := range out {
		if !h.Send(o.Nexthop, chat.Federated{Message: o.Message}) {
			metrics.IncError(metrics.ErrRouting)
			logging.L().Warn("no_peer_link", "nexthop", o.Nexthop)
		}
	}
}

// Snapshot returns a slice copy of current peers (read-only use).
func (h *Hub) Snapshot() []*Peer {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	return peers
}

// Count returns the number of connected peers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.peers); h.mu.RUnlock(); return n }
