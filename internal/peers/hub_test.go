package peers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// gatedSend blocks every delivery until release is closed; counts sends.
type gatedSend struct {
	release chan struct{}
	sent    atomic.Int64
}

func (g *gatedSend) fn(chat.ServerMessage) error {
	<-g.release
	g.sent.Add(1)
	return nil
}

func TestHub_SendToUnknownPeer(t *testing.T) {
	h := New()
	if h.Send(chat.NewServerId(), note("nowhere")) {
		t.Fatalf("send to unknown peer reported success")
	}
}

func TestHub_SendDropDoesNotBlock(t *testing.T) {
	h := New()
	h.OutBufSize = 4
	h.Policy = PolicyDrop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &gatedSend{release: make(chan struct{})}
	p := h.NewPeer(ctx, chat.NewServerId(), g.fn)
	h.Add(p)
	defer h.Remove(p)
	defer close(g.release) // unblock the worker before Remove waits on it

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Send(p.ID, note("burst"))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Send took too long: %s", elapsed)
	}
	select {
	case <-p.Closed:
		t.Fatalf("drop policy closed the peer")
	default:
	}
}

func TestHub_SendKickClosesSlowPeer(t *testing.T) {
	h := New()
	h.OutBufSize = 1
	h.Policy = PolicyKick
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &gatedSend{release: make(chan struct{})}
	p := h.NewPeer(ctx, chat.NewServerId(), g.fn)
	h.Add(p)
	defer h.Remove(p)
	defer close(g.release) // unblock the worker before Remove waits on it

	for i := 0; i < 10; i++ {
		h.Send(p.ID, note("burst"))
	}
	select {
	case <-p.Closed:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("kick policy did not close the slow peer")
	}
}

func TestHub_AddReplacesExistingLink(t *testing.T) {
	h := New()
	ctx := context.Background()
	id := chat.NewServerId()
	old := h.NewPeer(ctx, id, func(chat.ServerMessage) error { return nil })
	repl := h.NewPeer(ctx, id, func(chat.ServerMessage) error { return nil })
	h.Add(old)
	h.Add(repl)
	select {
	case <-old.Closed:
	default:
		t.Fatalf("replaced link not closed")
	}
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}
	// Tearing down the old link must not evict its successor.
	h.Remove(old)
	if got, ok := h.Get(id); !ok || got != repl {
		t.Fatalf("replacement evicted by old link teardown")
	}
	h.Remove(repl)
	if h.Count() != 0 {
		t.Fatalf("count after removal = %d", h.Count())
	}
}

func TestHub_DispatchRoutesToNexthop(t *testing.T) {
	h := New()
	h.OutBufSize = 8
	ctx := context.Background()

	var gotA, gotB atomic.Int64
	idA, idB := chat.NewServerId(), chat.NewServerId()
	pa := h.NewPeer(ctx, idA, func(chat.ServerMessage) error { gotA.Add(1); return nil })
	pb := h.NewPeer(ctx, idB, func(chat.ServerMessage) error { gotB.Add(1); return nil })
	h.Add(pa)
	h.Add(pb)
	defer h.Remove(pa)
	defer h.Remove(pb)

	h.Dispatch([]chat.Outgoing{
		{Nexthop: idA, Message: chat.FullyQualifiedMessage{Content: "to a"}},
		{Nexthop: idA, Message: chat.FullyQualifiedMessage{Content: "to a too"}},
		{Nexthop: idB, Message: chat.FullyQualifiedMessage{Content: "to b"}},
		{Nexthop: chat.NewServerId(), Message: chat.FullyQualifiedMessage{Content: "nowhere"}},
	})

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && (gotA.Load() < 2 || gotB.Load() < 1) {
		time.Sleep(5 * time.Millisecond)
	}
	if gotA.Load() != 2 || gotB.Load() != 1 {
		t.Fatalf("dispatch delivered a=%d b=%d, want 2/1", gotA.Load(), gotB.Load())
	}
}
