package wire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

func TestAuthExchange(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	self := chat.NewServerId()
	user := chat.NewClientId()

	type serverResult struct {
		user chat.ClientId
		err  error
	}
	srvCh := make(chan serverResult, 1)
	go func() {
		got, err := ServerAuth(srv, self, time.Second, AcceptAll)
		srvCh <- serverResult{got, err}
	}()

	gotServer, err := ClientAuth(client, user, time.Second, func(chat.ServerId, [8]byte) [16]byte {
		return [16]byte{1}
	})
	if err != nil {
		t.Fatalf("ClientAuth: %v", err)
	}
	if gotServer != self {
		t.Fatalf("client saw server %v, want %v", gotServer, self)
	}
	res := <-srvCh
	if res.err != nil {
		t.Fatalf("ServerAuth: %v", res.err)
	}
	if res.user != user {
		t.Fatalf("server saw user %v, want %v", res.user, user)
	}
}

func TestAuthExchange_Rejected(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	deny := func(chat.ClientId, [8]byte, [16]byte) bool { return false }
	errCh := make(chan error, 1)
	go func() {
		_, err := ServerAuth(srv, chat.NewServerId(), time.Second, deny)
		errCh <- err
	}()
	if _, err := ClientAuth(client, chat.NewClientId(), time.Second, nil); err != nil {
		t.Fatalf("ClientAuth: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestAuthExchange_Timeout(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	// Client never writes; the server must give up at its deadline.
	start := time.Now()
	_, err := ServerAuth(srv, chat.NewServerId(), 100*time.Millisecond, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handshake took too long: %s", elapsed)
	}
}

func TestPeerHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	idA := chat.NewServerId()
	idB := chat.NewServerId()

	type result struct {
		id  chat.ServerId
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := PeerHello(b, idB, time.Second)
		ch <- result{id, err}
	}()
	got, err := PeerHello(a, idA, time.Second)
	if err != nil {
		t.Fatalf("PeerHello(a): %v", err)
	}
	if got != idB {
		t.Fatalf("a saw %v, want %v", got, idB)
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("PeerHello(b): %v", res.err)
	}
	if res.id != idA {
		t.Fatalf("b saw %v, want %v", res.id, idA)
	}
}
