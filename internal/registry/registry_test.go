package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/spam"
)

type denyAll struct{}

func (denyAll) IsIPSpammer(context.Context, netip.Addr) (bool, error) { return true, nil }
func (denyAll) IsUserSpammer(context.Context, string) (bool, error)   { return false, nil }

var testIP = netip.MustParseAddr("192.0.2.1")

func mustRegister(t *testing.T, r *Registry, name string) chat.ClientId {
	t.Helper()
	id, ok := r.Register(context.Background(), testIP, name)
	if !ok {
		t.Fatalf("register %q denied", name)
	}
	return id
}

func TestRegister_MintsDistinctIds(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	a := mustRegister(t, r, "ada")
	b := mustRegister(t, r, "grace")
	if a == b {
		t.Fatalf("two registrations share an id")
	}
	users := r.List()
	if len(users) != 2 || users[a] != "ada" || users[b] != "grace" {
		t.Fatalf("directory = %v", users)
	}
}

func TestRegister_SpamDenied(t *testing.T) {
	r := New(denyAll{}, 8)
	if _, ok := r.Register(context.Background(), testIP, "ada"); ok {
		t.Fatalf("spam-flagged registration succeeded")
	}
	if r.Len() != 0 {
		t.Fatalf("denied registration left state behind")
	}
}

func TestAcceptSequence_StrictlyIncreasing(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	id := mustRegister(t, r, "ada")

	if err := r.AcceptSequence(id, chat.U64(5)); err != nil {
		t.Fatalf("first seqid 5: %v", err)
	}
	// Replay of the same id must be rejected.
	if err := r.AcceptSequence(id, chat.U64(5)); !errors.Is(err, ErrSequenceReplay) {
		t.Fatalf("replayed seqid: got %v", err)
	}
	// Regression must be rejected.
	if err := r.AcceptSequence(id, chat.U64(3)); !errors.Is(err, ErrSequenceReplay) {
		t.Fatalf("regressed seqid: got %v", err)
	}
	if err := r.AcceptSequence(id, chat.U64(6)); err != nil {
		t.Fatalf("seqid 6 after 5: %v", err)
	}
	// 128-bit ordering: a value with a high limb beats any 64-bit one.
	if err := r.AcceptSequence(id, chat.U128{Hi: 1, Lo: 0}); err != nil {
		t.Fatalf("wide seqid: %v", err)
	}
	if err := r.AcceptSequence(id, chat.U64(7)); !errors.Is(err, ErrSequenceReplay) {
		t.Fatalf("narrow seqid after wide: got %v", err)
	}
}

func TestAcceptSequence_UnknownClient(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	if err := r.AcceptSequence(chat.NewClientId(), chat.U64(1)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("unknown client: got %v", err)
	}
}

func TestDeliverAndPoll_FIFO(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	a := mustRegister(t, r, "ada")
	b := mustRegister(t, r, "grace")

	for i := 0; i < 5; i++ {
		if got := r.Deliver(b, a, fmt.Sprintf("m%d", i)); got != Delivered {
			t.Fatalf("deliver %d = %v", i, got)
		}
	}
	for i := 0; i < 3; i++ {
		reply := r.Poll(b)
		msg, ok := reply.(chat.PollMessage)
		if !ok {
			t.Fatalf("poll %d = %#v", i, reply)
		}
		if msg.Src != a || msg.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("poll %d = %#v", i, msg)
		}
	}
	// Two entries remain in order.
	if msg := r.Poll(b).(chat.PollMessage); msg.Content != "m3" {
		t.Fatalf("poll after partial drain = %q", msg.Content)
	}
	if msg := r.Poll(b).(chat.PollMessage); msg.Content != "m4" {
		t.Fatalf("final poll = %q", msg.Content)
	}
	if _, ok := r.Poll(b).(chat.PollNothing); !ok {
		t.Fatalf("drained box did not report nothing")
	}
}

func TestDeliver_BoxFull(t *testing.T) {
	r := New(spam.AllowAll{}, 2)
	a := mustRegister(t, r, "ada")
	b := mustRegister(t, r, "grace")
	for i := 0; i < 2; i++ {
		if got := r.Deliver(b, a, "fill"); got != Delivered {
			t.Fatalf("fill %d = %v", i, got)
		}
	}
	if got := r.Deliver(b, a, "overflow"); got != Full {
		t.Fatalf("deliver to full box = %v", got)
	}
	// The failed delivery must not displace queued entries.
	if msg := r.Poll(b).(chat.PollMessage); msg.Content != "fill" {
		t.Fatalf("head after overflow = %q", msg.Content)
	}
}

func TestDeliver_NotLocal(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	a := mustRegister(t, r, "ada")
	if got := r.Deliver(chat.NewClientId(), a, "x"); got != NotLocal {
		t.Fatalf("deliver to stranger = %v", got)
	}
}

func TestPoll_UnknownRecipient(t *testing.T) {
	r := New(spam.AllowAll{}, 8)
	stranger := chat.NewClientId()
	reply := r.Poll(stranger)
	de, ok := reply.(chat.PollDelayedError)
	if !ok {
		t.Fatalf("poll by stranger = %#v", reply)
	}
	if ur, ok := de.Err.(chat.UnknownRecipient); !ok || ur.Recipient != stranger {
		t.Fatalf("delayed error = %#v", de.Err)
	}
}
