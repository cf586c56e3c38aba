package peers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// ErrOutboxClosed is returned by Send after Close.
var ErrOutboxClosed = errors.New("peers: outbox closed")

// Outbox funnels server-message writes for one peer link through a single
// goroutine (fan-in). Enqueue is non-blocking: when the buffer is full the
// configured OnDrop hook runs and its error is returned, so producers never
// block behind a slow link.
//
// Life-cycle:
//
//	o := NewOutbox(ctx, buf, sendFn, hooks)
//	o.Send(msg)
//	o.Close()
//
// After Close no more frames are processed. Hooks let each link keep its
// own metrics and logging without duplicating the goroutine plumbing.
type Outbox struct {
	mu     sync.Mutex
	ch     chan chat.ServerMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(chat.ServerMessage) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize Outbox behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// NewOutbox constructs an Outbox with a buffered channel of size buf.
func NewOutbox(parent context.Context, buf int, send func(chat.ServerMessage) error, hooks Hooks) *Outbox {
	ctx, cancel := context.WithCancel(parent)
	o := &Outbox{
		ch:     make(chan chat.ServerMessage, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *Outbox) loop() {
	defer o.wg.Done()
	for {
		select {
		case msg, ok := <-o.ch:
			if !ok {
				return
			}
			if err := o.send(msg); err != nil {
				if o.hooks.OnError != nil {
					o.hooks.OnError(err)
				}
				continue
			}
			if o.hooks.OnAfter != nil {
				o.hooks.OnAfter()
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// Send queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (o *Outbox) Send(msg chat.ServerMessage) error {
	if o.closed.Load() {
		return ErrOutboxClosed
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		return ErrOutboxClosed
	}
	select {
	case o.ch <- msg:
		return nil
	default:
		if o.hooks.OnDrop != nil {
			return o.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit.
func (o *Outbox) Close() {
	if o.closed.Swap(true) {
		return
	}
	o.cancel()
	o.mu.Lock()
	close(o.ch)
	o.mu.Unlock()
	o.wg.Wait()
}
