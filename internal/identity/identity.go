// Package identity holds the core identity and addressing types shared by
// every other package in the relay: user ids, message ids, timestamps, and
// the destination/room-key types built on top of them.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserId identifies a connected or previously-seen user. Opaque to the
// routing core — it never looks inside this string.
type UserId string

// GroupChatId identifies a group conversation. Reserved: no routing or
// storage path currently constructs or dispatches on a Group destination.
type GroupChatId uuid.UUID

// MessageId identifies a message or an in-flight draft. It marshals to JSON
// as the URL-safe base64 encoding of its 16 raw bytes (the compact wire
// form), and unmarshals either that form or the canonical hyphenated form.
type MessageId uuid.UUID

// NewMessageId mints a fresh v4 message id.
func NewMessageId() MessageId {
	return MessageId(uuid.New())
}

func (m MessageId) String() string {
	return uuid.UUID(m).String()
}

// MarshalJSON implements the compact wire form.
func (m MessageId) MarshalJSON() ([]byte, error) {
	raw := uuid.UUID(m)
	return json.Marshal(base64.RawURLEncoding.EncodeToString(raw[:]))
}

// UnmarshalJSON accepts either the compact form or canonical hyphenated form.
func (m *MessageId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(raw) == 16 {
		copy((*m)[:], raw)
		return nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("message id %q is neither compact nor canonical uuid: %w", s, err)
	}
	*m = MessageId(parsed)
	return nil
}

// Timestamp is microseconds since the Unix epoch, assigned at packet intake.
// No monotonic guarantee beyond what time.Now() itself provides.
type Timestamp uint64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// DestinationKind distinguishes the populated arm of Destination.
type DestinationKind int

const (
	// DestUser addresses a single directly-connected user.
	DestUser DestinationKind = iota
	// DestGroup addresses a group conversation. Reserved, unimplemented.
	DestGroup
)

// Destination names who a packet is headed to. Only DestUser is ever
// constructed or handled by the routing core today; DestGroup is carried as
// a reserved variant so the wire format and data model have a slot for it.
type Destination struct {
	Kind  DestinationKind
	User  UserId
	Group GroupChatId
}

// NewUserDestination builds a Destination addressed to a single user.
func NewUserDestination(u UserId) Destination {
	return Destination{Kind: DestUser, User: u}
}

func (d Destination) String() string {
	switch d.Kind {
	case DestUser:
		return string(d.User)
	case DestGroup:
		return uuid.UUID(d.Group).String()
	default:
		return "<unknown-destination>"
	}
}

// UserPair is an unordered pair of user ids, canonicalized so that a DM
// between A and B always resolves to the same pair regardless of who sent
// first.
type UserPair struct {
	A, B UserId
}

// NewUserPair builds a canonical UserPair from two user ids, ordering them
// lexicographically by string value.
func NewUserPair(a, b UserId) UserPair {
	if a <= b {
		return UserPair{A: a, B: b}
	}
	return UserPair{A: b, B: a}
}

// RoomKind distinguishes the populated arm of RoomId.
type RoomKind int

const (
	// RoomDM is a direct-message room, keyed by a canonical UserPair.
	RoomDM RoomKind = iota
	// RoomGroup is a group-chat room, keyed by GroupChatId. Reserved.
	RoomGroup
)

// RoomId names a storage room: either a canonicalized DM pair or a group.
type RoomId struct {
	Kind  RoomKind
	Pair  UserPair
	Group GroupChatId
}

func (r RoomId) String() string {
	switch r.Kind {
	case RoomDM:
		return fmt.Sprintf("dm:%s:%s", r.Pair.A, r.Pair.B)
	case RoomGroup:
		return fmt.Sprintf("group:%s", uuid.UUID(r.Group).String())
	default:
		return "<unknown-room>"
	}
}

// ErrUnsupportedDestination is returned when a RoomId is requested for a
// Destination whose kind has no routing/storage implementation (Group,
// today).
type ErrUnsupportedDestination struct {
	Kind DestinationKind
}

func (e *ErrUnsupportedDestination) Error() string {
	return fmt.Sprintf("destination kind %d is not implemented", e.Kind)
}

// RoomIDForDestination computes the storage room key for a message sent by
// sender to dest.
func RoomIDForDestination(sender UserId, dest Destination) (RoomId, error) {
	switch dest.Kind {
	case DestUser:
		return RoomId{Kind: RoomDM, Pair: NewUserPair(sender, dest.User)}, nil
	default:
		return RoomId{}, &ErrUnsupportedDestination{Kind: dest.Kind}
	}
}
