package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// Encoders for every protocol value. All multi-byte scalars are
// little-endian. Values carry no framing beyond the length prefixes
// defined here; the transport owns message boundaries.

// WriteU128 writes v in the variable-length encoding: values up to 250 are
// a single byte; larger values get a width marker (251..254) followed by
// the little-endian scalar of that width. Byte 255 is never produced.
func WriteU128(w io.Writer, v chat.U128) error {
	var buf [17]byte
	n := 0
	switch {
	case v.Hi == 0 && v.Lo <= 250:
		buf[0] = byte(v.Lo)
		n = 1
	case v.Hi == 0 && v.Lo < 1<<16:
		buf[0] = 251
		binary.LittleEndian.PutUint16(buf[1:], uint16(v.Lo))
		n = 3
	case v.Hi == 0 && v.Lo < 1<<32:
		buf[0] = 252
		binary.LittleEndian.PutUint32(buf[1:], uint32(v.Lo))
		n = 5
	case v.Hi == 0:
		buf[0] = 253
		binary.LittleEndian.PutUint64(buf[1:], v.Lo)
		n = 9
	default:
		buf[0] = 254
		binary.LittleEndian.PutUint64(buf[1:], v.Lo)
		binary.LittleEndian.PutUint64(buf[9:], v.Hi)
		n = 17
	}
	_, err := w.Write(buf[:n])
	return err
}

// writeLen writes a host-side count.
func writeLen(w io.Writer, n int) error {
	return WriteU128(w, chat.U64(uint64(n)))
}

// writeUUID writes the fixed marker byte 16 followed by the raw value.
// The marker is a wire compatibility point, not a length prefix.
func writeUUID(w io.Writer, id [16]byte) error {
	var buf [17]byte
	buf[0] = 16
	copy(buf[1:], id[:])
	_, err := w.Write(buf[:])
	return err
}

// WriteClientId writes a client identifier.
func WriteClientId(w io.Writer, id chat.ClientId) error { return writeUUID(w, id.Bytes()) }

// WriteServerId writes a server identifier.
func WriteServerId(w io.Writer, id chat.ServerId) error { return writeUUID(w, id.Bytes()) }

// WriteString writes the byte length then the raw UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if err := writeLen(w, len(s)); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTag(w io.Writer, tag byte) error {
	_, err := w.Write([]byte{tag})
	return err
}

// WriteAuthMessage writes an auth exchange frame.
func WriteAuthMessage(w io.Writer, m chat.AuthMessage) error {
	switch v := m.(type) {
	case chat.AuthHello:
		if err := writeTag(w, 0); err != nil {
			return err
		}
		if err := WriteClientId(w, v.User); err != nil {
			return err
		}
		_, err := w.Write(v.Nonce[:])
		return err
	case chat.AuthNonce:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		if err := WriteServerId(w, v.Server); err != nil {
			return err
		}
		_, err := w.Write(v.Nonce[:])
		return err
	case chat.AuthResponse:
		if err := writeTag(w, 2); err != nil {
			return err
		}
		_, err := w.Write(v.Response[:])
		return err
	default:
		return fmt.Errorf("encode auth: %w", ErrUnknownTag)
	}
}

// WriteClientMessage writes a client-submitted message.
func WriteClientMessage(w io.Writer, m chat.ClientMessage) error {
	switch v := m.(type) {
	case chat.Text:
		if err := writeTag(w, 0); err != nil {
			return err
		}
		if err := WriteClientId(w, v.Dest); err != nil {
			return err
		}
		return WriteString(w, v.Content)
	case chat.MText:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		if err := writeLen(w, len(v.Dest)); err != nil {
			return err
		}
		for _, d := range v.Dest {
			if err := WriteClientId(w, d); err != nil {
				return err
			}
		}
		return WriteString(w, v.Content)
	default:
		return fmt.Errorf("encode client message: %w", ErrUnknownTag)
	}
}

func writeClientError(w io.Writer, e chat.ClientError) error {
	switch v := e.(type) {
	case chat.UnknownClient:
		return writeTag(w, 0)
	case chat.BoxFull:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		return WriteClientId(w, v.Recipient)
	case chat.InternalError:
		return writeTag(w, 2)
	default:
		return fmt.Errorf("encode client error: %w", ErrUnknownTag)
	}
}

func writeClientReply(w io.Writer, r chat.ClientReply) error {
	switch v := r.(type) {
	case chat.Delivered:
		return writeTag(w, 0)
	case chat.ReplyError:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		return writeClientError(w, v.Err)
	case chat.Delayed:
		return writeTag(w, 2)
	case chat.Transfer:
		if err := writeTag(w, 3); err != nil {
			return err
		}
		if err := WriteServerId(w, v.Server); err != nil {
			return err
		}
		return WriteServerMessage(w, v.Message)
	default:
		return fmt.Errorf("encode client reply: %w", ErrUnknownTag)
	}
}

// WriteClientReplies writes the reply sequence with its count prefix.
func WriteClientReplies(w io.Writer, rs []chat.ClientReply) error {
	if err := writeLen(w, len(rs)); err != nil {
		return err
	}
	for _, r := range rs {
		if err := writeClientReply(w, r); err != nil {
			return err
		}
	}
	return nil
}

// WriteClientPollReply writes a poll outcome.
func WriteClientPollReply(w io.Writer, r chat.ClientPollReply) error {
	switch v := r.(type) {
	case chat.PollMessage:
		if err := writeTag(w, 0); err != nil {
			return err
		}
		if err := WriteClientId(w, v.Src); err != nil {
			return err
		}
		return WriteString(w, v.Content)
	case chat.PollDelayedError:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		switch e := v.Err.(type) {
		case chat.UnknownRecipient:
			if err := writeTag(w, 0); err != nil {
				return err
			}
			return WriteClientId(w, e.Recipient)
		default:
			return fmt.Errorf("encode delayed error: %w", ErrUnknownTag)
		}
	case chat.PollNothing:
		return writeTag(w, 2)
	default:
		return fmt.Errorf("encode poll reply: %w", ErrUnknownTag)
	}
}

// WriteServerMessage writes a peer-to-peer frame.
func WriteServerMessage(w io.Writer, m chat.ServerMessage) error {
	switch v := m.(type) {
	case chat.Announce:
		if err := writeTag(w, 0); err != nil {
			return err
		}
		if err := writeLen(w, len(v.Route)); err != nil {
			return err
		}
		for _, s := range v.Route {
			if err := WriteServerId(w, s); err != nil {
				return err
			}
		}
		return WriteUserList(w, v.Clients)
	case chat.Federated:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		m := v.Message
		if err := WriteClientId(w, m.Src); err != nil {
			return err
		}
		if err := WriteServerId(w, m.SrcSrv); err != nil {
			return err
		}
		if err := writeLen(w, len(m.Dsts)); err != nil {
			return err
		}
		for _, d := range m.Dsts {
			if err := WriteClientId(w, d.Client); err != nil {
				return err
			}
			if err := WriteServerId(w, d.Server); err != nil {
				return err
			}
		}
		return WriteString(w, m.Content)
	default:
		return fmt.Errorf("encode server message: %w", ErrUnknownTag)
	}
}

// WriteUserList writes a client directory: count, then each (id, name)
// pair. Keys are emitted in byte order so identical maps encode
// identically.
func WriteUserList(w io.Writer, users map[chat.ClientId]string) error {
	if err := writeLen(w, len(users)); err != nil {
		return err
	}
	keys := make([]chat.ClientId, 0, len(users))
	for k := range users {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i].Bytes(), keys[j].Bytes()
		for n := range a {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return false
	})
	for _, k := range keys {
		if err := WriteClientId(w, k); err != nil {
			return err
		}
		if err := WriteString(w, users[k]); err != nil {
			return err
		}
	}
	return nil
}

// WriteClientQuery writes a framed client request.
func WriteClientQuery(w io.Writer, q chat.ClientQuery) error {
	switch v := q.(type) {
	case chat.Register:
		if err := writeTag(w, 0); err != nil {
			return err
		}
		return WriteString(w, v.Name)
	case chat.QueryMessage:
		if err := writeTag(w, 1); err != nil {
			return err
		}
		return WriteClientMessage(w, v.Message)
	case chat.Poll:
		return writeTag(w, 2)
	case chat.ListUsers:
		return writeTag(w, 3)
	default:
		return fmt.Errorf("encode client query: %w", ErrUnknownTag)
	}
}

// WriteSequence writes the envelope (seqid, src) then the payload via enc.
func WriteSequence[T any](w io.Writer, s chat.Sequence[T], enc func(io.Writer, T) error) error {
	if err := WriteU128(w, s.Seqid); err != nil {
		return err
	}
	if err := WriteClientId(w, s.Src); err != nil {
		return err
	}
	return enc(w, s.Content)
}
