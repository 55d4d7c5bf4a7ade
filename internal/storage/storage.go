// Package storage defines the message persistence interfaces the routing
// core depends on (MessagesDAO, MessageRoomDAO) and an in-memory
// implementation of both.
package storage

import (
	"fmt"

	"relay/internal/identity"
)

// Message is a finalized, stored message: the result of a draft reaching
// EndDraft. A client-sent NewMessage is forwarded by the routing core but
// not stored.
type Message struct {
	Sender    identity.UserId
	Content   string
	ID        identity.MessageId
	StartTime identity.Timestamp
	EndTime   identity.Timestamp
}

// Filter selects a subset of a room's messages for MessageRoomDAO.GetMessages.
// A nil Filter matches everything.
type Filter func(Message) bool

// MissingMessageIDError is returned when an operation references a message
// id that does not exist in the room.
type MissingMessageIDError struct {
	ID identity.MessageId
}

func (e *MissingMessageIDError) Error() string {
	return fmt.Sprintf("storage: no message with id %s", e.ID)
}

// MissingRoomIDError is returned when an operation references a room that
// has never had a message added to it.
type MissingRoomIDError struct {
	Room identity.RoomId
}

func (e *MissingRoomIDError) Error() string {
	return fmt.Sprintf("storage: no room %s", e.Room)
}

// MessageRoomDAO is a single room's message set: one DM pair or one group.
type MessageRoomDAO interface {
	// Members returns the room's fixed participant set. For a DM this is
	// the two users of the canonical pair.
	Members() []identity.UserId
	// AddMessage inserts or overwrites (by ID) a message in the room.
	AddMessage(msg Message) error
	// GetMessage looks up a single message by id.
	GetMessage(id identity.MessageId) (Message, bool)
	// GetMessages returns every message matching filter, ordered by
	// StartTime ascending. A nil filter returns every message.
	GetMessages(filter Filter) []Message
	// EditMessage overwrites the content of an existing message.
	// Returns *MissingMessageIDError if id is unknown.
	EditMessage(id identity.MessageId, content string) error
}

// MessagesDAO is the top-level store: a registry of rooms, addressable by
// RoomId, auto-created on first write.
type MessagesDAO interface {
	// AddMessage routes msg into the room implied by (msg.Sender, dest),
	// creating the room if this is its first message.
	AddMessage(msg Message, dest identity.Destination) error
	// GetRoom returns the room for id, or *MissingRoomIDError if it has
	// never been written to.
	GetRoom(id identity.RoomId) (MessageRoomDAO, error)
	// GetRoomMut is identical to GetRoom: Go's map-backed rooms have no
	// separate mutable/immutable borrow distinction, but the method is
	// kept distinct to mirror the DAO contract's two accessors.
	GetRoomMut(id identity.RoomId) (MessageRoomDAO, error)
}
