package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/engine"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/registry"
	"github.com/kstaniek/go-fedchat-server/internal/wire"
)

// startConn launches the goroutine servicing one client connection.
//
// Connection protocol after auth: the first query must be a bare Register;
// the reply is the assigned ClientId in its wire encoding. Every later
// query arrives wrapped in a Sequence envelope and passes the per-client
// sequence gate before dispatch.
func (s *Server) startConn(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.untrack(conn)
			s.totalDisconnected.Add(1)
			metrics.SetActiveClients(int(s.activeClients.Add(-1)))
			logger.Info("client_disconnected")
		}()
		cid, err := s.registerConn(conn)
		if err != nil {
			if !isDisconnect(err) {
				metrics.IncError(mapErrToMetric(err))
				s.setError(err)
				logger.Warn("register_failed", "error", err)
			}
			return
		}
		logger = logger.With("client", cid)
		for {
			select {
			case <-ctxDone:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			seq, err := wire.ReadSequence(conn, wire.ReadClientQuery)
			if err != nil {
				if isDisconnect(err) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("query_read_error", "error", wrap)
				return
			}
			metrics.IncTCPRx()
			if err := s.serveQuery(conn, cid, seq); err != nil {
				if !isDisconnect(err) {
					metrics.IncError(mapErrToMetric(err))
					s.setError(err)
					logger.Warn("query_error", "error", err)
				}
				return
			}
		}
	}()
}

// registerConn reads the opening Register query and answers with a fresh
// ClientId, or fails the connection on denial.
func (s *Server) registerConn(conn net.Conn) (chat.ClientId, error) {
	var zero chat.ClientId
	_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
	q, err := wire.ReadClientQuery(conn)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrConnRead, err)
	}
	reg, ok := q.(chat.Register)
	if !ok {
		return zero, fmt.Errorf("%w: first query %T, want register", ErrProtocol, q)
	}
	ip := remoteAddr(conn)
	ctx, cancel := registerContext()
	defer cancel()
	cid, ok := s.Engine.RegisterLocalClient(ctx, ip, reg.Name)
	if !ok {
		// Denials close the connection; there is no reply frame for them.
		return zero, fmt.Errorf("%w: registration denied", ErrHandshake)
	}
	if err := wire.WriteClientId(conn, cid); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	return cid, nil
}

// serveQuery admits one sequenced query and writes its reply.
func (s *Server) serveQuery(conn net.Conn, cid chat.ClientId, seq chat.Sequence[chat.ClientQuery]) error {
	// The envelope's source must be the registered identity; a forged id
	// would bypass another client's sequence gate.
	if seq.Src != cid {
		return fmt.Errorf("%w: sequence source %s on connection of %s", ErrProtocol, seq.Src, cid)
	}
	q, err := engine.HandleSequenced(s.Engine, seq)
	if err != nil {
		var reply chat.ClientError
		switch {
		case errors.Is(err, registry.ErrUnknownClient):
			reply = chat.UnknownClient{}
		default:
			reply = chat.InternalError{}
		}
		return s.writeReplies(conn, []chat.ClientReply{chat.ReplyError{Err: reply}})
	}
	switch v := q.(type) {
	case chat.QueryMessage:
		replies := s.Engine.HandleClientMessage(cid, v.Message)
		// Transfers double as forwarding instructions for the peer hub.
		if s.Sink != nil {
			for _, r := range replies {
				if t, ok := r.(chat.Transfer); ok {
					s.Sink.Send(t.Server, t.Message)
				}
			}
		}
		return s.writeReplies(conn, replies)
	case chat.Poll:
		reply := s.Engine.ClientPoll(cid)
		return s.writePollReply(conn, reply)
	case chat.ListUsers:
		return s.writeUserList(conn, s.Engine.ListUsers())
	case chat.Register:
		// Re-registration over an established connection is a protocol
		// violation.
		return fmt.Errorf("%w: register after registration", ErrProtocol)
	default:
		return fmt.Errorf("%w: unhandled query %T", ErrProtocol, q)
	}
}

func (s *Server) writeReplies(conn net.Conn, replies []chat.ClientReply) error {
	if err := wire.WriteClientReplies(conn, replies); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	metrics.AddTCPTx(len(replies))
	return nil
}

func (s *Server) writePollReply(conn net.Conn, reply chat.ClientPollReply) error {
	if err := wire.WriteClientPollReply(conn, reply); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	metrics.AddTCPTx(1)
	return nil
}

func (s *Server) writeUserList(conn net.Conn, users map[chat.ClientId]string) error {
	if err := wire.WriteUserList(conn, users); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	metrics.AddTCPTx(1)
	return nil
}

// registerContext bounds a registration including both spam checks.
func registerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// remoteAddr extracts the peer IP; the unspecified address stands in when
// the transport has no usable one (e.g. unix sockets in tests).
func remoteAddr(conn net.Conn) netip.Addr {
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return ap.Addr()
	}
	return netip.IPv4Unspecified()
}
