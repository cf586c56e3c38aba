package transport

import (
	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/peers"
)

// OutgoingSink receives frames bound for peer servers. Send reports false
// when no link to nexthop exists; implementations must never block the
// caller. Dispatch applies Send to a batch of routed frames.
type OutgoingSink interface {
	Send(nexthop chat.ServerId, msg chat.ServerMessage) bool
	Dispatch(out []chat.Outgoing)
}

// Compile-time assertion that the peer hub satisfies the sink contract.
var _ OutgoingSink = (*peers.Hub)(nil)
