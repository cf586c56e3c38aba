package chat

// Protocol value definitions. Each message family is a sealed tagged union:
// the interface carries an unexported marker method and the variants are
// plain structs. Wire tags live in the codec (internal/wire), which encodes
// variants in declaration order.

// AuthMessage frames the connection authentication exchange.
type AuthMessage interface{ isAuthMessage() }

// AuthHello opens the exchange; sent by the client.
type AuthHello struct {
	User  ClientId
	Nonce [8]byte
}

// AuthNonce is the server challenge.
type AuthNonce struct {
	Server ServerId
	Nonce  [8]byte
}

// AuthResponse closes the exchange; verification policy is the host's.
type AuthResponse struct {
	Response [16]byte
}

func (AuthHello) isAuthMessage()    {}
func (AuthNonce) isAuthMessage()    {}
func (AuthResponse) isAuthMessage() {}

// ClientMessage is a message submitted by a local client.
type ClientMessage interface{ isClientMessage() }

// Text targets a single recipient.
type Text struct {
	Dest    ClientId
	Content string
}

// MText targets several recipients; each gets its own copy and reply.
type MText struct {
	Dest    []ClientId
	Content string
}

func (Text) isClientMessage()  {}
func (MText) isClientMessage() {}

// ClientError is the error half of a ClientReply.
type ClientError interface{ isClientError() }

// UnknownClient means the recipient is neither local nor reachable remotely.
type UnknownClient struct{}

// BoxFull means the recipient's mailbox is at capacity.
type BoxFull struct {
	Recipient ClientId
}

// InternalError reports a sequence-id regression or replay.
type InternalError struct{}

func (UnknownClient) isClientError() {}
func (BoxFull) isClientError()       {}
func (InternalError) isClientError() {}

// ClientReply is the per-recipient outcome of a client message.
type ClientReply interface{ isClientReply() }

// Delivered: the message reached a local mailbox.
type Delivered struct{}

// ReplyError wraps a ClientError.
type ReplyError struct {
	Err ClientError
}

// Delayed: the recipient is not yet known; the message is held.
type Delayed struct{}

// Transfer: the recipient lives on another server; the wrapped message must
// be handed to Server (the next hop).
type Transfer struct {
	Server  ServerId
	Message ServerMessage
}

func (Delivered) isClientReply()  {}
func (ReplyError) isClientReply() {}
func (Delayed) isClientReply()    {}
func (Transfer) isClientReply()   {}

// ClientPollReply is returned by a mailbox poll.
type ClientPollReply interface{ isClientPollReply() }

// PollMessage carries the oldest mailbox entry.
type PollMessage struct {
	Src     ClientId
	Content string
}

// PollDelayedError surfaces an asynchronous delivery failure.
type PollDelayedError struct {
	Err DelayedError
}

// PollNothing: the mailbox is empty.
type PollNothing struct{}

func (PollMessage) isClientPollReply()      {}
func (PollDelayedError) isClientPollReply() {}
func (PollNothing) isClientPollReply()      {}

// DelayedError qualifies a PollDelayedError.
type DelayedError interface{ isDelayedError() }

// UnknownRecipient: the polling client is not registered here.
type UnknownRecipient struct {
	Recipient ClientId
}

func (UnknownRecipient) isDelayedError() {}

// ClientQuery is a framed client request.
type ClientQuery interface{ isClientQuery() }

// Register asks for a local identity under the given display name.
type Register struct {
	Name string
}

// QueryMessage submits a ClientMessage.
type QueryMessage struct {
	Message ClientMessage
}

// Poll asks for the next mailbox entry.
type Poll struct{}

// ListUsers asks for the local user directory.
type ListUsers struct{}

func (Register) isClientQuery()     {}
func (QueryMessage) isClientQuery() {}
func (Poll) isClientQuery()         {}
func (ListUsers) isClientQuery()    {}

// ServerMessage is a peer-to-peer frame.
type ServerMessage interface{ isServerMessage() }

// Announce declares a route and the clients reachable through it. Route
// convention: first element is the advertised destination server, last
// element is the immediate next hop from the receiver's point of view.
type Announce struct {
	Route   []ServerId
	Clients map[ClientId]string
}

// Federated carries a fully qualified message between servers.
type Federated struct {
	Message FullyQualifiedMessage
}

func (Announce) isServerMessage()  {}
func (Federated) isServerMessage() {}

// Destination pairs a recipient with its home server.
type Destination struct {
	Client ClientId
	Server ServerId
}

// FullyQualifiedMessage is a message with full federation addressing.
type FullyQualifiedMessage struct {
	Src     ClientId
	SrcSrv  ServerId
	Dsts    []Destination
	Content string
}

// Outgoing instructs the transport to hand Message to Nexthop.
type Outgoing struct {
	Nexthop ServerId
	Message FullyQualifiedMessage
}

// Sequence is a client-originated envelope. Seqid must strictly increase
// per source client; the server rejects replays and regressions.
type Sequence[T any] struct {
	Seqid   U128
	Src     ClientId
	Content T
}
