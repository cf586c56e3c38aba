package peers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/wire"
)

// Handler processes one inbound server message and returns the frames to
// forward.
type Handler func(msg chat.ServerMessage) ([]chat.Outgoing, error)

// Run services one established peer link: it registers remote with the
// hub, writes enqueued frames to conn through the peer's outbox, reads
// inbound frames and hands them to handle, feeding any resulting Outgoing
// back into the hub. It blocks until ctx is cancelled, the connection
// fails, or the peer is kicked.
func (h *Hub) Run(ctx context.Context, remote chat.ServerId, conn net.Conn, handle Handler, readDeadline time.Duration, logger *slog.Logger) error {
	logger = logger.With("peer", remote)
	p := h.NewPeer(ctx, remote, func(msg chat.ServerMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return wire.WriteServerMessage(conn, msg)
	})
	h.Add(p)
	defer h.Remove(p)
	defer func() { _ = conn.Close() }()
	logger.Info("peer_connected")
	defer logger.Info("peer_disconnected")

	// Close the socket once the peer handle is closed so a blocked read
	// unsticks on kick or replacement.
	go func() {
		select {
		case <-p.Closed:
		case <-ctx.Done():
		}
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		msg, err := wire.ReadServerMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			metrics.IncError(metrics.ErrPeerRead)
			return fmt.Errorf("peer read: %w", err)
		}
		metrics.IncPeerRx()
		out, err := handle(msg)
		if err != nil {
			// Routing failures are logged, not fatal to the link; the
			// peer protocol carries no error frame.
			logger.Warn("peer_message_error", "error", err)
			continue
		}
		h.Dispatch(out)
	}
}
