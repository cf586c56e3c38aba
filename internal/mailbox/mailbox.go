package mailbox

import (
	"errors"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// ErrFull is returned when a push would exceed the configured capacity.
var ErrFull = errors.New("mailbox: full")

// Entry is one delivered message awaiting a poll.
type Entry struct {
	Src     chat.ClientId
	Content string
}

// Box is a bounded FIFO of deliveries for one local client. Push appends
// at the tail, Pop takes from the head; both are O(1) amortized. Not safe
// for concurrent use; the owning registry serializes access.
type Box struct {
	capacity int
	head     int
	entries  []Entry
}

// New creates a Box holding at most capacity entries.
func New(capacity int) *Box {
	return &Box{capacity: capacity}
}

// Push appends e or reports ErrFull at capacity. A failed push leaves the
// box unchanged.
func (b *Box) Push(e Entry) error {
	if b.Len() == b.capacity {
		return ErrFull
	}
	b.entries = append(b.entries, e)
	return nil
}

// Pop removes and returns the oldest entry; ok is false when empty.
func (b *Box) Pop() (Entry, bool) {
	if b.head == len(b.entries) {
		return Entry{}, false
	}
	e := b.entries[b.head]
	b.entries[b.head] = Entry{}
	b.head++
	if b.head == len(b.entries) {
		b.entries = b.entries[:0]
		b.head = 0
	} else if b.head > 64 && b.head > len(b.entries)/2 {
		// Slide the live tail down so the backing array does not grow
		// without bound across a long push/pop interleave.
		n := copy(b.entries, b.entries[b.head:])
		b.entries = b.entries[:n]
		b.head = 0
	}
	return e, true
}

// Len reports the number of queued entries.
func (b *Box) Len() int { return len(b.entries) - b.head }

// Cap reports the configured capacity.
func (b *Box) Cap() int { return b.capacity }
