package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/federation"
	"github.com/kstaniek/go-fedchat-server/internal/logging"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/registry"
	"github.com/kstaniek/go-fedchat-server/internal/router"
	"github.com/kstaniek/go-fedchat-server/internal/spam"
)

// DefaultMailboxSize caps per-client mailboxes unless the host overrides it.
const DefaultMailboxSize = 128

// Engine is the per-node message server core: it registers local clients,
// enforces per-client sequence order, delivers into mailboxes, and applies
// federation routing to everything it cannot deliver locally.
type Engine struct {
	id       chat.ServerId
	registry *registry.Registry
	table    *federation.Table
	router   *router.Router
	logger   *slog.Logger
}

type config struct {
	id          chat.ServerId
	checker     spam.Checker
	mailboxSize int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*config)

// WithServerId fixes the engine's federation identity.
func WithServerId(id chat.ServerId) Option { return func(c *config) { c.id = id } }

// WithChecker sets the registration spam checker.
func WithChecker(ch spam.Checker) Option { return func(c *config) { c.checker = ch } }

// WithMailboxSize sets the per-client mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds an Engine. Defaults: a random server id, the permissive spam
// checker, DefaultMailboxSize, and the global logger.
func New(opts ...Option) *Engine {
	cfg := config{
		id:          chat.NewServerId(),
		checker:     spam.AllowAll{},
		mailboxSize: DefaultMailboxSize,
		logger:      logging.L(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	table := federation.NewTable(cfg.id)
	return &Engine{
		id:       cfg.id,
		registry: registry.New(cfg.checker, cfg.mailboxSize),
		table:    table,
		router:   router.New(cfg.id, table),
		logger:   cfg.logger,
	}
}

// ID returns the engine's federation identity.
func (e *Engine) ID() chat.ServerId { return e.id }

// RegisterLocalClient screens (ip, name) and mints a ClientId on success.
func (e *Engine) RegisterLocalClient(ctx context.Context, ip netip.Addr, name string) (chat.ClientId, bool) {
	id, ok := e.registry.Register(ctx, ip, name)
	if ok {
		e.logger.Info("client_registered", "client", id, "name", name)
	} else {
		e.logger.Warn("client_registration_denied", "name", name, "ip", ip)
	}
	return id, ok
}

// HandleClientMessage produces one reply per addressed recipient, in
// destination order for MText.
func (e *Engine) HandleClientMessage(src chat.ClientId, msg chat.ClientMessage) []chat.ClientReply {
	switch m := msg.(type) {
	case chat.Text:
		return []chat.ClientReply{e.deliverOne(src, m.Dest, m.Content)}
	case chat.MText:
		replies := make([]chat.ClientReply, 0, len(m.Dest))
		for _, d := range m.Dest {
			replies = append(replies, e.deliverOne(src, d, m.Content))
		}
		return replies
	default:
		return []chat.ClientReply{chat.ReplyError{Err: chat.InternalError{}}}
	}
}

// deliverOne resolves a single recipient: local mailbox first, then known
// remote (Transfer via a route advertising the recipient's home), then
// deferral for recipients nobody has announced yet.
func (e *Engine) deliverOne(src, dest chat.ClientId, content string) chat.ClientReply {
	switch e.registry.Deliver(dest, src, content) {
	case registry.Delivered:
		return chat.Delivered{}
	case registry.Full:
		return chat.ReplyError{Err: chat.BoxFull{Recipient: dest}}
	}

	if rc, ok := e.table.LookupRemote(dest); ok {
		if nexthop, ok := e.table.NextHopTo(rc.Home); ok {
			metrics.IncTransferred()
			return chat.Transfer{
				Server: nexthop,
				Message: chat.Federated{Message: chat.FullyQualifiedMessage{
					Src:     src,
					SrcSrv:  e.id,
					Dsts:    []chat.Destination{{Client: dest, Server: rc.Home}},
					Content: content,
				}},
			}
		}
		return chat.ReplyError{Err: chat.UnknownClient{}}
	}

	e.table.Defer(dest, src, content)
	return chat.Delayed{}
}

// HandleServerMessage processes a peer frame. Announces return the flushed
// deferred messages (possibly none); federated messages are delivered
// locally when addressed here and forwarded along the shortest path.
func (e *Engine) HandleServerMessage(msg chat.ServerMessage) ([]chat.Outgoing, error) {
	switch m := msg.(type) {
	case chat.Announce:
		out, err := e.table.Announce(m.Route, m.Clients)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("announce_accepted", "route_len", len(m.Route), "clients", len(m.Clients), "flushed", len(out))
		return out, nil
	case chat.Federated:
		fqm := m.Message
		if len(fqm.Dsts) == 0 {
			return nil, fmt.Errorf("no destination found for message from %s", fqm.Src)
		}
		// Only the first destination is handled; additional entries are
		// currently ignored. TODO: fan out to every destination once the
		// peer protocol settles on per-destination acks.
		d := fqm.Dsts[0]
		// BoxFull is not surfaced on this path; the overflowed copy is
		// dropped and the forward proceeds.
		_ = e.registry.Deliver(d.Client, fqm.Src, fqm.Content)
		path, ok := e.router.RouteTo(d.Server)
		if !ok {
			metrics.IncError(metrics.ErrRouting)
			return nil, fmt.Errorf("route to %s not found", d.Server)
		}
		return []chat.Outgoing{{
			Nexthop: path[len(path)-1],
			Message: fqm,
		}}, nil
	default:
		return nil, fmt.Errorf("unhandled server message %T", msg)
	}
}

// ClientPoll pops the next mailbox entry for cid.
func (e *Engine) ClientPoll(cid chat.ClientId) chat.ClientPollReply {
	return e.registry.Poll(cid)
}

// ListUsers returns the local user directory.
func (e *Engine) ListUsers() map[chat.ClientId]string {
	return e.registry.List()
}

// RouteTo exposes shortest-path computation for the transport layer.
func (e *Engine) RouteTo(dest chat.ServerId) ([]chat.ServerId, bool) {
	return e.router.RouteTo(dest)
}

// HandleSequenced admits seq through the per-client sequence gate and
// yields its content. The error maps onto the wire's client errors:
// registry.ErrUnknownClient and registry.ErrSequenceReplay.
func HandleSequenced[T any](e *Engine, seq chat.Sequence[T]) (T, error) {
	if err := e.registry.AcceptSequence(seq.Src, seq.Seqid); err != nil {
		var zero T
		return zero, err
	}
	return seq.Content, nil
}
