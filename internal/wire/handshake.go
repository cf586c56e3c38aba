package wire

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// VerifyFunc decides whether an auth response is acceptable. The exchange
// is framed here; the policy belongs to the host.
type VerifyFunc func(user chat.ClientId, nonce [8]byte, response [16]byte) bool

// AcceptAll accepts any auth response.
func AcceptAll(chat.ClientId, [8]byte, [16]byte) bool { return true }

// ErrAuthRejected is returned when the verify policy refuses a response.
var ErrAuthRejected = errors.New("wire: auth response rejected")

// ErrUnexpectedFrame is returned when a handshake step reads a frame of
// the wrong variant.
var ErrUnexpectedFrame = errors.New("wire: unexpected handshake frame")

// ServerAuth runs the server side of the exchange on c: read Hello, send
// Nonce, read the response and apply verify. The whole exchange runs under
// a single deadline.
func ServerAuth(c net.Conn, self chat.ServerId, timeout time.Duration, verify VerifyFunc) (chat.ClientId, error) {
	var zero chat.ClientId
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return zero, fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	m, err := ReadAuthMessage(c)
	if err != nil {
		return zero, fmt.Errorf("auth hello: %w", err)
	}
	hello, ok := m.(chat.AuthHello)
	if !ok {
		return zero, fmt.Errorf("auth hello: %w", ErrUnexpectedFrame)
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return zero, fmt.Errorf("auth nonce: %w", err)
	}
	if err := WriteAuthMessage(c, chat.AuthNonce{Server: self, Nonce: nonce}); err != nil {
		return zero, fmt.Errorf("auth nonce: %w", err)
	}

	m, err = ReadAuthMessage(c)
	if err != nil {
		return zero, fmt.Errorf("auth response: %w", err)
	}
	resp, ok := m.(chat.AuthResponse)
	if !ok {
		return zero, fmt.Errorf("auth response: %w", ErrUnexpectedFrame)
	}
	if verify == nil {
		verify = AcceptAll
	}
	if !verify(hello.User, nonce, resp.Response) {
		return zero, ErrAuthRejected
	}
	return hello.User, nil
}

// ClientAuth runs the client side: send Hello, read the server Nonce,
// answer with respond. Used by the in-repo test client and by tooling.
func ClientAuth(c net.Conn, user chat.ClientId, timeout time.Duration, respond func(server chat.ServerId, nonce [8]byte) [16]byte) (chat.ServerId, error) {
	var zero chat.ServerId
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return zero, fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return zero, fmt.Errorf("auth hello: %w", err)
	}
	if err := WriteAuthMessage(c, chat.AuthHello{User: user, Nonce: nonce}); err != nil {
		return zero, fmt.Errorf("auth hello: %w", err)
	}
	m, err := ReadAuthMessage(c)
	if err != nil {
		return zero, fmt.Errorf("auth nonce: %w", err)
	}
	challenge, ok := m.(chat.AuthNonce)
	if !ok {
		return zero, fmt.Errorf("auth nonce: %w", ErrUnexpectedFrame)
	}
	var response [16]byte
	if respond != nil {
		response = respond(challenge.Server, challenge.Nonce)
	}
	if err := WriteAuthMessage(c, chat.AuthResponse{Response: response}); err != nil {
		return zero, fmt.Errorf("auth response: %w", err)
	}
	return challenge.Server, nil
}

// PeerHello exchanges server identities on a fresh peer link. Both sides
// write their own id and read the remote one concurrently, so the exchange
// cannot deadlock on unbuffered transports.
func PeerHello(c net.Conn, self chat.ServerId, timeout time.Duration) (chat.ServerId, error) {
	var zero chat.ServerId
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return zero, fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	type result struct {
		id  chat.ServerId
		err error
	}
	writeCh := make(chan error, 1)
	readCh := make(chan result, 1)
	go func() { writeCh <- WriteServerId(c, self) }()
	go func() {
		id, err := ReadServerId(c)
		readCh <- result{id, err}
	}()
	if err := <-writeCh; err != nil {
		return zero, fmt.Errorf("peer hello write: %w", err)
	}
	res := <-readCh
	if res.err != nil {
		return zero, fmt.Errorf("peer hello read: %w", res.err)
	}
	return res.id, nil
}
