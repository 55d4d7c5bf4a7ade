// Package protocol implements the tagged Packet union and the SPacket /
// WebPacket wire model: the JSON codec that travels between client and
// server, and the server-internal, sender-and-time-stamped form the
// routing core operates on.
package protocol

import (
	"encoding/json"
	"fmt"

	"relay/internal/identity"
)

// Packet is the closed set of message/draft operations a client can send or
// receive. Each concrete type below implements it.
type Packet interface {
	packetTag() string
}

// NewMessage delivers a complete, already-finalized message.
type NewMessage struct {
	UUID      identity.MessageId `json:"uuid"`
	Content   string             `json:"content"`
	StartTime identity.Timestamp `json:"start_time"`
	EndTime   identity.Timestamp `json:"end_time"`
}

func (NewMessage) packetTag() string { return "NewMessage" }

// StartDraft asks the core to open a new draft for (sender, destination).
type StartDraft struct{}

func (StartDraft) packetTag() string { return "StartDraft" }

// NewDraft announces a freshly opened draft, identified by uuid.
type NewDraft struct {
	UUID      identity.MessageId `json:"uuid"`
	StartTime identity.Timestamp `json:"start_time"`
}

func (NewDraft) packetTag() string { return "NewDraft" }

// Edit updates the live content of an open draft, or — when EditingDraft is
// false — the content of an already-finalized, stored message.
type Edit struct {
	UUID         identity.MessageId `json:"uuid"`
	Content      string             `json:"content"`
	EditingDraft bool               `json:"editing_draft"`
}

func (Edit) packetTag() string { return "Edit" }

// EndDraft finalizes an open draft into a stored message.
type EndDraft struct {
	UUID    identity.MessageId `json:"uuid"`
	Content string             `json:"content"`
}

func (EndDraft) packetTag() string { return "EndDraft" }

// DiscardDraft abandons an open draft without storing it.
type DiscardDraft struct {
	UUID identity.MessageId `json:"uuid"`
}

func (DiscardDraft) packetTag() string { return "DiscardDraft" }

// MarshalPacket renders a Packet in the externally-tagged form
// {"<Variant>": <payload>}.
func MarshalPacket(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("protocol: cannot marshal nil packet")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if _, ok := p.(StartDraft); ok {
		payload = []byte("null")
	}
	wrapped := map[string]json.RawMessage{p.packetTag(): payload}
	return json.Marshal(wrapped)
}

// UnmarshalPacket parses the externally-tagged {"<Variant>": <payload>} form.
func UnmarshalPacket(data []byte) (Packet, error) {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("protocol: packet is not a tagged object: %w", err)
	}
	if len(wrapped) != 1 {
		return nil, fmt.Errorf("protocol: packet object must have exactly one tag, got %d", len(wrapped))
	}
	for tag, payload := range wrapped {
		switch tag {
		case "NewMessage":
			var v NewMessage
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("protocol: NewMessage: %w", err)
			}
			return v, nil
		case "StartDraft":
			return StartDraft{}, nil
		case "NewDraft":
			var v NewDraft
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("protocol: NewDraft: %w", err)
			}
			return v, nil
		case "Edit":
			var v Edit
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("protocol: Edit: %w", err)
			}
			return v, nil
		case "EndDraft":
			var v EndDraft
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("protocol: EndDraft: %w", err)
			}
			return v, nil
		case "DiscardDraft":
			var v DiscardDraft
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("protocol: DiscardDraft: %w", err)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("protocol: unknown packet tag %q", tag)
		}
	}
	panic("unreachable")
}
