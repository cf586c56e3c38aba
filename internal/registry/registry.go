package registry

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/mailbox"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/spam"
)

// Sequence gate outcomes for callers to classify via errors.Is.
var (
	// ErrUnknownClient: the source is not registered here.
	ErrUnknownClient = errors.New("registry: unknown client")
	// ErrSequenceReplay: the sequence id did not strictly increase.
	ErrSequenceReplay = errors.New("registry: sequence id replayed or regressed")
)

// DeliverResult classifies a local delivery attempt.
type DeliverResult int

const (
	// Delivered: pushed into the recipient's mailbox.
	Delivered DeliverResult = iota
	// Full: the recipient's mailbox is at capacity; nothing was pushed.
	Full
	// NotLocal: the recipient is not registered here.
	NotLocal
)

type localClient struct {
	srcIP   netip.Addr // recorded at registration; not used for routing
	name    string
	seqid   chat.U128
	mailbox *mailbox.Box
}

// Registry owns the local client map. A single reader/writer lock guards
// the map and every client record in it; mailbox and sequence mutations
// happen under the write lock.
type Registry struct {
	mu       sync.RWMutex
	clients  map[chat.ClientId]*localClient
	checker  spam.Checker
	capacity int
}

// New creates a Registry screening registrations with checker and capping
// each mailbox at capacity entries.
func New(checker spam.Checker, capacity int) *Registry {
	return &Registry{
		clients:  make(map[chat.ClientId]*localClient),
		checker:  checker,
		capacity: capacity,
	}
}

// Register screens (ip, name) with both spam predicates in parallel and,
// if both pass, mints a fresh ClientId for the caller. A failed or
// timed-out check denies registration; ok is false and no state changes.
func (r *Registry) Register(ctx context.Context, ip netip.Addr, name string) (chat.ClientId, bool) {
	if !spam.Screen(ctx, r.checker, ip, name) {
		metrics.IncRegistrationDenied()
		return chat.ClientId{}, false
	}
	id := chat.NewClientId()
	r.mu.Lock()
	r.clients[id] = &localClient{
		srcIP:   ip,
		name:    name,
		mailbox: mailbox.New(r.capacity),
	}
	r.mu.Unlock()
	metrics.IncRegistration()
	return id, true
}

// AcceptSequence admits seqid for src if it strictly exceeds the last
// accepted value, updating the watermark. Returns ErrUnknownClient or
// ErrSequenceReplay otherwise.
func (r *Registry) AcceptSequence(src chat.ClientId, seqid chat.U128) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[src]
	if !ok {
		return ErrUnknownClient
	}
	if seqid.Cmp(c.seqid) <= 0 {
		return ErrSequenceReplay
	}
	c.seqid = seqid
	return nil
}

// Deliver pushes (src, content) into dest's mailbox if dest is local.
func (r *Registry) Deliver(dest, src chat.ClientId, content string) DeliverResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[dest]
	if !ok {
		return NotLocal
	}
	if err := c.mailbox.Push(mailbox.Entry{Src: src, Content: content}); err != nil {
		metrics.IncMailboxFull()
		return Full
	}
	metrics.IncDelivered()
	return Delivered
}

// Poll returns the oldest mailbox entry for dest, PollNothing when the box
// is empty, or UnknownRecipient when dest is not registered here.
func (r *Registry) Poll(dest chat.ClientId) chat.ClientPollReply {
	metrics.IncPoll()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[dest]
	if !ok {
		return chat.PollDelayedError{Err: chat.UnknownRecipient{Recipient: dest}}
	}
	e, ok := c.mailbox.Pop()
	if !ok {
		return chat.PollNothing{}
	}
	return chat.PollMessage{Src: e.Src, Content: e.Content}
}

// List returns a copy of the local user directory.
func (r *Registry) List() map[chat.ClientId]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make(map[chat.ClientId]string, len(r.clients))
	for id, c := range r.clients {
		users[id] = c.name
	}
	return users
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
