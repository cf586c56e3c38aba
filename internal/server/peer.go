package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/peers"
	"github.com/kstaniek/go-fedchat-server/internal/wire"
)

// ServePeers accepts inbound federation links on the peer address. Each
// accepted connection exchanges server identities and then runs under the
// peer hub until it fails or the context ends.
func (s *Server) ServePeers(ctx context.Context, hub *peers.Hub) error {
	s.mu.Lock()
	addr := s.peerAddr
	s.mu.Unlock()
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setPeerAddr(ln.Addr().String())
	s.mu.Lock()
	s.peerListener = ln
	s.mu.Unlock()
	s.logger.Info("peer_listen", "addr", s.PeerAddr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if _, ok := err.(net.Error); ok { // transient
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return wrap
		}
		s.startPeer(ctx, conn, hub)
	}
}

// DialPeer establishes an outbound federation link to addr and keeps it
// serviced until the context ends. Failed dials are retried with capped
// exponential backoff; a link that ends (including a failed peer hello) is
// redialed at once with the backoff reset.
func (s *Server) DialPeer(ctx context.Context, addr string, hub *peers.Hub) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := time.Second
		for ctx.Err() == nil {
			conn, err := (&net.Dialer{Timeout: s.handshakeTimeout}).DialContext(ctx, "tcp", addr)
			if err != nil {
				s.logger.Warn("peer_dial_failed", "addr", addr, "backoff", backoff, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			s.runPeer(ctx, conn, hub, s.logger.With("peer_addr", addr))
		}
	}()
}

// startPeer services an accepted peer connection in the background.
func (s *Server) startPeer(ctx context.Context, conn net.Conn, hub *peers.Hub) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPeer(ctx, conn, hub, s.logger.With("peer_addr", conn.RemoteAddr().String()))
	}()
}

func (s *Server) runPeer(ctx context.Context, conn net.Conn, hub *peers.Hub, logger *slog.Logger) {
	remote, err := wire.PeerHello(conn, s.Engine.ID(), s.handshakeTimeout)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		logger.Warn("peer_hello_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	s.totalPeerLinks.Add(1)
	if err := hub.Run(ctx, remote, conn, s.Engine.HandleServerMessage, s.readDeadline, logger); err != nil {
		logger.Warn("peer_link_error", "error", err)
	}
}
