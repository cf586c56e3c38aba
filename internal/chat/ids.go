package chat

import (
	"github.com/google/uuid"
)

// ClientId identifies a chat client anywhere in the federation.
// It is a plain 128-bit value; equality and map hashing are by raw bits.
type ClientId uuid.UUID

// ServerId identifies a federation member.
type ServerId uuid.UUID

// NewClientId rolls a fresh random client identifier.
func NewClientId() ClientId { return ClientId(uuid.New()) }

// NewServerId rolls a fresh random server identifier.
func NewServerId() ServerId { return ServerId(uuid.New()) }

// ParseServerId parses the canonical textual UUID form.
func ParseServerId(s string) (ServerId, error) {
	u, err := uuid.Parse(s)
	return ServerId(u), err
}

// ParseClientId parses the canonical textual UUID form.
func ParseClientId(s string) (ClientId, error) {
	u, err := uuid.Parse(s)
	return ClientId(u), err
}

func (c ClientId) String() string { return uuid.UUID(c).String() }
func (s ServerId) String() string { return uuid.UUID(s).String() }

// Bytes returns the raw 16-byte value.
func (c ClientId) Bytes() [16]byte { return [16]byte(c) }

// Bytes returns the raw 16-byte value.
func (s ServerId) Bytes() [16]byte { return [16]byte(s) }
