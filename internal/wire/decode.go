package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
)

// Decoders mirror the encoders. They never panic on malformed input; every
// protocol violation maps to one of the sentinels in errors.go, and stream
// failures are wrapped so errors.Is still sees io.EOF / io.ErrUnexpectedEOF.

const readChunk = 64 * 1024

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU128 reads a variable-length unsigned integer.
func ReadU128(r io.Reader) (chat.U128, error) {
	prefix, err := readByte(r)
	if err != nil {
		return chat.U128{}, err
	}
	switch {
	case prefix <= 250:
		return chat.U64(uint64(prefix)), nil
	case prefix == 251:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return chat.U128{}, truncated(err)
		}
		return chat.U64(uint64(binary.LittleEndian.Uint16(b[:]))), nil
	case prefix == 252:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return chat.U128{}, truncated(err)
		}
		return chat.U64(uint64(binary.LittleEndian.Uint32(b[:]))), nil
	case prefix == 253:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return chat.U128{}, truncated(err)
		}
		return chat.U64(binary.LittleEndian.Uint64(b[:])), nil
	case prefix == 254:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return chat.U128{}, truncated(err)
		}
		return chat.U128{
			Lo: binary.LittleEndian.Uint64(b[:8]),
			Hi: binary.LittleEndian.Uint64(b[8:]),
		}, nil
	default:
		metrics.IncMalformed()
		return chat.U128{}, ErrReservedPrefix
	}
}

// truncated normalizes a short read inside a multi-byte value.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		metrics.IncMalformed()
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return err
}

// readLen reads a count and narrows it to a host int. Counts the host
// cannot possibly satisfy are a length overflow, not an allocation.
func readLen(r io.Reader) (int, error) {
	v, err := ReadU128(r)
	if err != nil {
		return 0, err
	}
	n, ok := v.Uint64()
	if !ok || n > math.MaxInt32 {
		metrics.IncMalformed()
		return 0, fmt.Errorf("%w (count %s)", ErrLengthOverflow, v)
	}
	return int(n), nil
}

// readBytes reads exactly n bytes, growing in chunks so a hostile count
// fails with length-overflow once the input ends instead of allocating n
// bytes up front.
func readBytes(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, 0, min(n, readChunk))
	for len(buf) < n {
		step := min(n-len(buf), readChunk)
		chunk := make([]byte, step)
		if _, err := io.ReadFull(r, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				metrics.IncMalformed()
				return nil, fmt.Errorf("%w: %v", ErrLengthOverflow, err)
			}
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

func readUUID(r io.Reader) ([16]byte, error) {
	var id [16]byte
	marker, err := readByte(r)
	if err != nil {
		return id, err
	}
	if marker != 16 {
		metrics.IncMalformed()
		return id, fmt.Errorf("%w (byte %d)", ErrInvalidUUIDMarker, marker)
	}
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, truncated(err)
	}
	return id, nil
}

// ReadClientId reads a client identifier.
func ReadClientId(r io.Reader) (chat.ClientId, error) {
	id, err := readUUID(r)
	return chat.ClientId(id), err
}

// ReadServerId reads a server identifier.
func ReadServerId(r io.Reader) (chat.ServerId, error) {
	id, err := readUUID(r)
	return chat.ServerId(id), err
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	n, err := readLen(r)
	if err != nil {
		return "", err
	}
	buf, err := readBytes(r, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		metrics.IncMalformed()
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}

// ReadAuthMessage reads an auth exchange frame.
func ReadAuthMessage(r io.Reader) (chat.AuthMessage, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		user, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		var nonce [8]byte
		if _, err := io.ReadFull(r, nonce[:]); err != nil {
			return nil, truncated(err)
		}
		return chat.AuthHello{User: user, Nonce: nonce}, nil
	case 1:
		server, err := ReadServerId(r)
		if err != nil {
			return nil, err
		}
		var nonce [8]byte
		if _, err := io.ReadFull(r, nonce[:]); err != nil {
			return nil, truncated(err)
		}
		return chat.AuthNonce{Server: server, Nonce: nonce}, nil
	case 2:
		var resp [16]byte
		if _, err := io.ReadFull(r, resp[:]); err != nil {
			return nil, truncated(err)
		}
		return chat.AuthResponse{Response: resp}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("auth message: %w (tag %d)", ErrUnknownTag, tag)
	}
}

// ReadClientMessage reads a client-submitted message.
func ReadClientMessage(r io.Reader) (chat.ClientMessage, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		dest, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		content, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return chat.Text{Dest: dest, Content: content}, nil
	case 1:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		dests := make([]chat.ClientId, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			d, err := ReadClientId(r)
			if err != nil {
				return nil, err
			}
			dests = append(dests, d)
		}
		content, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return chat.MText{Dest: dests, Content: content}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("client message: %w (tag %d)", ErrUnknownTag, tag)
	}
}

func readClientError(r io.Reader) (chat.ClientError, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return chat.UnknownClient{}, nil
	case 1:
		id, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		return chat.BoxFull{Recipient: id}, nil
	case 2:
		return chat.InternalError{}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("client error: %w (tag %d)", ErrUnknownTag, tag)
	}
}

func readClientReply(r io.Reader) (chat.ClientReply, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return chat.Delivered{}, nil
	case 1:
		e, err := readClientError(r)
		if err != nil {
			return nil, err
		}
		return chat.ReplyError{Err: e}, nil
	case 2:
		return chat.Delayed{}, nil
	case 3:
		server, err := ReadServerId(r)
		if err != nil {
			return nil, err
		}
		msg, err := ReadServerMessage(r)
		if err != nil {
			return nil, err
		}
		return chat.Transfer{Server: server, Message: msg}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("client reply: %w (tag %d)", ErrUnknownTag, tag)
	}
}

// ReadClientReplies reads the count-prefixed reply sequence.
func ReadClientReplies(r io.Reader) ([]chat.ClientReply, error) {
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	rs := make([]chat.ClientReply, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		rep, err := readClientReply(r)
		if err != nil {
			return nil, err
		}
		rs = append(rs, rep)
	}
	return rs, nil
}

// ReadClientPollReply reads a poll outcome.
func ReadClientPollReply(r io.Reader) (chat.ClientPollReply, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		src, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		content, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return chat.PollMessage{Src: src, Content: content}, nil
	case 1:
		sub, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if sub != 0 {
			metrics.IncMalformed()
			return nil, fmt.Errorf("delayed error: %w (tag %d)", ErrUnknownTag, sub)
		}
		id, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		return chat.PollDelayedError{Err: chat.UnknownRecipient{Recipient: id}}, nil
	case 2:
		return chat.PollNothing{}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("poll reply: %w (tag %d)", ErrUnknownTag, tag)
	}
}

// ReadServerMessage reads a peer-to-peer frame.
func ReadServerMessage(r io.Reader) (chat.ServerMessage, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		route := make([]chat.ServerId, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			s, err := ReadServerId(r)
			if err != nil {
				return nil, err
			}
			route = append(route, s)
		}
		clients, err := ReadUserList(r)
		if err != nil {
			return nil, err
		}
		return chat.Announce{Route: route, Clients: clients}, nil
	case 1:
		src, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		srcsrv, err := ReadServerId(r)
		if err != nil {
			return nil, err
		}
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		dsts := make([]chat.Destination, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			c, err := ReadClientId(r)
			if err != nil {
				return nil, err
			}
			s, err := ReadServerId(r)
			if err != nil {
				return nil, err
			}
			dsts = append(dsts, chat.Destination{Client: c, Server: s})
		}
		content, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return chat.Federated{Message: chat.FullyQualifiedMessage{
			Src: src, SrcSrv: srcsrv, Dsts: dsts, Content: content,
		}}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("server message: %w (tag %d)", ErrUnknownTag, tag)
	}
}

// ReadUserList reads a client directory.
func ReadUserList(r io.Reader) (map[chat.ClientId]string, error) {
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	users := make(map[chat.ClientId]string, min(n, 1024))
	for i := 0; i < n; i++ {
		id, err := ReadClientId(r)
		if err != nil {
			return nil, err
		}
		name, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		users[id] = name
	}
	return users, nil
}

// ReadClientQuery reads a framed client request.
func ReadClientQuery(r io.Reader) (chat.ClientQuery, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		name, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return chat.Register{Name: name}, nil
	case 1:
		msg, err := ReadClientMessage(r)
		if err != nil {
			return nil, err
		}
		return chat.QueryMessage{Message: msg}, nil
	case 2:
		return chat.Poll{}, nil
	case 3:
		return chat.ListUsers{}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("client query: %w (tag %d)", ErrUnknownTag, tag)
	}
}

// ReadSequence reads the envelope then the payload via dec.
func ReadSequence[T any](r io.Reader, dec func(io.Reader) (T, error)) (chat.Sequence[T], error) {
	var s chat.Sequence[T]
	seqid, err := ReadU128(r)
	if err != nil {
		return s, err
	}
	src, err := ReadClientId(r)
	if err != nil {
		return s, err
	}
	content, err := dec(r)
	if err != nil {
		return s, err
	}
	s.Seqid = seqid
	s.Src = src
	s.Content = content
	return s, nil
}
