package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/engine"
	"github.com/kstaniek/go-fedchat-server/internal/peers"
	"github.com/kstaniek/go-fedchat-server/internal/wire"
)

// testClient drives the wire protocol the way a real client would.
type testClient struct {
	t    *testing.T
	conn net.Conn
	id   chat.ClientId
	seq  uint64
}

func dialAndRegister(t *testing.T, ctx context.Context, addr, name string) *testClient {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := wire.ClientAuth(conn, chat.NewClientId(), time.Second, nil); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := wire.WriteClientQuery(conn, chat.Register{Name: name}); err != nil {
		t.Fatalf("register write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	id, err := wire.ReadClientId(conn)
	if err != nil {
		t.Fatalf("register reply: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return &testClient{t: t, conn: conn, id: id}
}

func (c *testClient) send(q chat.ClientQuery) {
	c.t.Helper()
	c.seq++
	seq := chat.Sequence[chat.ClientQuery]{Seqid: chat.U64(c.seq), Src: c.id, Content: q}
	if err := wire.WriteSequence(c.conn, seq, wire.WriteClientQuery); err != nil {
		c.t.Fatalf("query write: %v", err)
	}
}

func (c *testClient) message(msg chat.ClientMessage) []chat.ClientReply {
	c.t.Helper()
	c.send(chat.QueryMessage{Message: msg})
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	replies, err := wire.ReadClientReplies(c.conn)
	if err != nil {
		c.t.Fatalf("replies read: %v", err)
	}
	return replies
}

func (c *testClient) poll() chat.ClientPollReply {
	c.t.Helper()
	c.send(chat.Poll{})
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	reply, err := wire.ReadClientPollReply(c.conn)
	if err != nil {
		c.t.Fatalf("poll read: %v", err)
	}
	return reply
}

func (c *testClient) listUsers() map[chat.ClientId]string {
	c.t.Helper()
	c.send(chat.ListUsers{})
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	users, err := wire.ReadUserList(c.conn)
	if err != nil {
		c.t.Fatalf("user list read: %v", err)
	}
	return users
}

func startTestServer(t *testing.T, ctx context.Context) (*Server, *engine.Engine) {
	t.Helper()
	core := engine.New(engine.WithMailboxSize(4))
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithEngine(core),
		WithSink(peers.New()),
		WithHandshakeTimeout(2*time.Second),
		WithReadDeadline(2*time.Second),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv, core
}

// TestSmokeServer registers two clients over real TCP and exchanges a
// message end to end.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, _ := startTestServer(t, ctx)

	ada := dialAndRegister(t, ctx, srv.Addr(), "ada")
	grace := dialAndRegister(t, ctx, srv.Addr(), "grace")
	if ada.id == grace.id {
		t.Fatalf("both clients got the same id")
	}

	users := ada.listUsers()
	if len(users) != 2 || users[ada.id] != "ada" || users[grace.id] != "grace" {
		t.Fatalf("user list = %v", users)
	}

	replies := ada.message(chat.Text{Dest: grace.id, Content: "x"})
	if len(replies) != 1 {
		t.Fatalf("replies = %#v", replies)
	}
	if _, ok := replies[0].(chat.Delivered); !ok {
		t.Fatalf("reply = %#v, want Delivered", replies[0])
	}

	msg, ok := grace.poll().(chat.PollMessage)
	if !ok {
		t.Fatalf("poll did not return the message")
	}
	if msg.Src != ada.id || msg.Content != "x" {
		t.Fatalf("poll = %#v", msg)
	}
	if _, ok := grace.poll().(chat.PollNothing); !ok {
		t.Fatalf("drained mailbox did not report nothing")
	}
}

// TestSmokeServer_SequenceReplayRejected replays a sequence id over TCP.
func TestSmokeServer_SequenceReplayRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, _ := startTestServer(t, ctx)

	ada := dialAndRegister(t, ctx, srv.Addr(), "ada")
	grace := dialAndRegister(t, ctx, srv.Addr(), "grace")

	replies := ada.message(chat.Text{Dest: grace.id, Content: "first"})
	if _, ok := replies[0].(chat.Delivered); !ok {
		t.Fatalf("first reply = %#v", replies[0])
	}

	// Re-send with the same sequence id by winding the counter back.
	ada.seq--
	replies = ada.message(chat.Text{Dest: grace.id, Content: "replay"})
	re, ok := replies[0].(chat.ReplyError)
	if !ok {
		t.Fatalf("replay reply = %#v", replies[0])
	}
	if _, ok := re.Err.(chat.InternalError); !ok {
		t.Fatalf("replay error = %#v", re.Err)
	}
}

// TestSmokeServer_PeerAnnounce wires two servers over a real peer link and
// lets a deferred message flow across once the recipient is announced.
func TestSmokeServer_PeerAnnounce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := peers.New()
	hub.OutBufSize = 8
	core := engine.New(engine.WithMailboxSize(4))
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithPeerListenAddr("127.0.0.1:0"),
		WithEngine(core),
		WithSink(hub),
		WithHandshakeTimeout(2*time.Second),
		WithReadDeadline(2*time.Second),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	peerErr := make(chan error, 1)
	go func() { peerErr <- srv.ServePeers(ctx, hub) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	// Peer listener binds asynchronously; wait for the address.
	deadline := time.Now().Add(time.Second)
	for srv.PeerAddr() == "" || srv.PeerAddr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatalf("peer listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ada := dialAndRegister(t, ctx, srv.Addr(), "ada")
	zed := chat.NewClientId()

	replies := ada.message(chat.Text{Dest: zed, Content: "m"})
	if _, ok := replies[0].(chat.Delayed); !ok {
		t.Fatalf("reply = %#v, want Delayed", replies[0])
	}

	// Connect as a remote peer and announce zed.
	pconn, err := (&net.Dialer{Timeout: time.Second}).DialContext(ctx, "tcp", srv.PeerAddr())
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer pconn.Close()
	remoteID := chat.NewServerId()
	if _, err := wire.PeerHello(pconn, remoteID, time.Second); err != nil {
		t.Fatalf("peer hello: %v", err)
	}
	if err := wire.WriteServerMessage(pconn, chat.Announce{
		Route:   []chat.ServerId{remoteID},
		Clients: map[chat.ClientId]string{zed: "zed"},
	}); err != nil {
		t.Fatalf("announce write: %v", err)
	}

	// The deferred message must come back over the peer link.
	_ = pconn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadServerMessage(pconn)
	if err != nil {
		t.Fatalf("flushed message read: %v", err)
	}
	fed, ok := msg.(chat.Federated)
	if !ok {
		t.Fatalf("flushed frame = %#v", msg)
	}
	if fed.Message.Content != "m" || fed.Message.Src != ada.id {
		t.Fatalf("flushed message = %#v", fed.Message)
	}

	// With the route known, a fresh send transfers immediately and the
	// forwarded copy arrives on the peer link too.
	replies = ada.message(chat.Text{Dest: zed, Content: "again"})
	tr, ok := replies[0].(chat.Transfer)
	if !ok {
		t.Fatalf("post-announce reply = %#v", replies[0])
	}
	if tr.Server != remoteID {
		t.Fatalf("transfer next hop = %v, want %v", tr.Server, remoteID)
	}
	_ = pconn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err = wire.ReadServerMessage(pconn)
	if err != nil {
		t.Fatalf("forwarded message read: %v", err)
	}
	if fed, ok := msg.(chat.Federated); !ok || fed.Message.Content != "again" {
		t.Fatalf("forwarded frame = %#v", msg)
	}
	cancel()
	<-peerErr
}
