package federation

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
)

// ErrEmptyRoute is returned when an announce carries a zero-length route.
var ErrEmptyRoute = errors.New("federation: empty route")

// RemoteClient is a client announced by a peer.
type RemoteClient struct {
	Name string
	Home chat.ServerId
}

type deferredMessage struct {
	src     chat.ClientId
	content string
}

// Table holds the federation state: known routes, the remote-client map
// and messages deferred for not-yet-announced recipients. The three maps
// are logically independent and each carries its own reader/writer lock;
// no Table method holds two of them at once.
//
// Route convention: routes[i][0] is the advertised destination server and
// routes[i][len-1] the immediate next hop from this server. Routes are
// append-only for the process lifetime.
type Table struct {
	self chat.ServerId

	routesMu sync.RWMutex
	routes   [][]chat.ServerId

	remoteMu sync.RWMutex
	remote   map[chat.ClientId]RemoteClient

	deferredMu sync.RWMutex
	deferred   map[chat.ClientId]deferredMessage
}

// NewTable creates an empty Table for the server identified by self.
func NewTable(self chat.ServerId) *Table {
	return &Table{
		self:     self,
		remote:   make(map[chat.ClientId]RemoteClient),
		deferred: make(map[chat.ClientId]deferredMessage),
	}
}

// Announce stores route, records every announced client with the route's
// destination as its home, and flushes any message deferred for one of
// those clients. Flushed messages come back as Outgoing values addressed
// to the route's next hop.
func (t *Table) Announce(route []chat.ServerId, clients map[chat.ClientId]string) ([]chat.Outgoing, error) {
	if len(route) == 0 {
		return nil, ErrEmptyRoute
	}
	stored := make([]chat.ServerId, len(route))
	copy(stored, route)

	t.routesMu.Lock()
	t.routes = append(t.routes, stored)
	n := len(t.routes)
	t.routesMu.Unlock()
	metrics.SetRoutesKnown(n)
	metrics.IncAnnounce()

	home := stored[0]
	nexthop := stored[len(stored)-1]

	var out []chat.Outgoing
	for cid, name := range clients {
		t.remoteMu.Lock()
		t.remote[cid] = RemoteClient{Name: name, Home: home}
		rn := len(t.remote)
		t.remoteMu.Unlock()
		metrics.SetRemoteClientsKnown(rn)

		t.deferredMu.Lock()
		d, ok := t.deferred[cid]
		if ok {
			delete(t.deferred, cid)
		}
		dn := len(t.deferred)
		t.deferredMu.Unlock()
		if ok {
			metrics.SetDeferredPending(dn)
			out = append(out, chat.Outgoing{
				Nexthop: nexthop,
				Message: chat.FullyQualifiedMessage{
					Src:     d.src,
					SrcSrv:  t.self,
					Dsts:    []chat.Destination{{Client: cid, Server: home}},
					Content: d.content,
				},
			})
		}
	}
	return out, nil
}

// Defer holds (src, content) for the unknown recipient dest. At most one
// message is held per recipient; the newest arrival wins.
func (t *Table) Defer(dest, src chat.ClientId, content string) {
	t.deferredMu.Lock()
	t.deferred[dest] = deferredMessage{src: src, content: content}
	n := len(t.deferred)
	t.deferredMu.Unlock()
	metrics.SetDeferredPending(n)
	metrics.IncDeferred()
}

// LookupRemote returns the announced record for cid, if any.
func (t *Table) LookupRemote(cid chat.ClientId) (RemoteClient, bool) {
	t.remoteMu.RLock()
	defer t.remoteMu.RUnlock()
	rc, ok := t.remote[cid]
	return rc, ok
}

// NextHopTo scans stored routes for one advertising home as its
// destination and returns that route's next hop.
func (t *Table) NextHopTo(home chat.ServerId) (chat.ServerId, bool) {
	t.routesMu.RLock()
	defer t.routesMu.RUnlock()
	for _, route := range t.routes {
		if route[0] == home {
			return route[len(route)-1], true
		}
	}
	return chat.ServerId{}, false
}

// Routes returns a snapshot copy of the stored routes.
func (t *Table) Routes() [][]chat.ServerId {
	t.routesMu.RLock()
	defer t.routesMu.RUnlock()
	routes := make([][]chat.ServerId, len(t.routes))
	copy(routes, t.routes)
	return routes
}
