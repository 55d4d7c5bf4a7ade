package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"relay/internal/identity"
)

// ErrMalformedFrame tags a frame that could not be decoded into a WebPacket.
// Transports wrap decode failures with it so the session manager can drop
// the frame and keep the session alive; any other ReadFrame error is a
// transport failure and terminates the session.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Routable is implemented by anything carrying a (destination, sender)
// pair, so the routing core can read both without unpacking concrete
// struct fields at every call site.
type Routable interface {
	GetToFrom() (identity.Destination, identity.UserId)
}

// SPacket is the server-internal, sender-and-time-stamped form of a Packet.
// It never crosses the wire directly; WebPacket does.
type SPacket struct {
	Sender      identity.UserId
	Destination identity.Destination
	Time        identity.Timestamp
	Packet      Packet
}

// GetToFrom implements Routable.
func (s SPacket) GetToFrom() (identity.Destination, identity.UserId) {
	return s.Destination, s.Sender
}

// marshalDestination renders identity.Destination as the externally-tagged
// enum form the wire uses: a single implemented arm, {"User": "<uid>"}.
func marshalDestination(d identity.Destination) ([]byte, error) {
	switch d.Kind {
	case identity.DestUser:
		wrapped := map[string]string{"User": string(d.User)}
		return json.Marshal(wrapped)
	default:
		return nil, fmt.Errorf("protocol: cannot marshal destination kind %d", d.Kind)
	}
}

func unmarshalDestination(data []byte) (identity.Destination, error) {
	var wrapped map[string]string
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return identity.Destination{}, fmt.Errorf("protocol: destination is not a tagged object: %w", err)
	}
	if len(wrapped) != 1 {
		return identity.Destination{}, fmt.Errorf("protocol: destination object must have exactly one tag, got %d", len(wrapped))
	}
	for tag, val := range wrapped {
		switch tag {
		case "User":
			return identity.NewUserDestination(identity.UserId(val)), nil
		default:
			return identity.Destination{}, fmt.Errorf("protocol: unsupported destination tag %q", tag)
		}
	}
	panic("unreachable")
}

// WebPacket is the wire JSON envelope exchanged with clients. Sender and
// Timestamp are set by the server on outbound packets and ignored (if
// present at all) on packets received from a client — the server is the
// sole authority on who sent a packet and when.
type WebPacket struct {
	Content     Packet
	Destination identity.Destination
	Sender      *identity.UserId
	Timestamp   *identity.Timestamp
}

type webPacketWire struct {
	Content     json.RawMessage     `json:"content"`
	Destination json.RawMessage     `json:"destination"`
	Sender      *identity.UserId    `json:"sender,omitempty"`
	Timestamp   *identity.Timestamp `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (w WebPacket) MarshalJSON() ([]byte, error) {
	content, err := MarshalPacket(w.Content)
	if err != nil {
		return nil, err
	}
	dest, err := marshalDestination(w.Destination)
	if err != nil {
		return nil, err
	}
	return json.Marshal(webPacketWire{
		Content:     content,
		Destination: dest,
		Sender:      w.Sender,
		Timestamp:   w.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *WebPacket) UnmarshalJSON(data []byte) error {
	var raw webPacketWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: malformed web packet: %w", err)
	}
	packet, err := UnmarshalPacket(raw.Content)
	if err != nil {
		return err
	}
	dest, err := unmarshalDestination(raw.Destination)
	if err != nil {
		return err
	}
	w.Content = packet
	w.Destination = dest
	w.Sender = raw.Sender
	w.Timestamp = raw.Timestamp
	return nil
}

// ToSPacket stamps an inbound WebPacket with the authoritative sender and
// intake time, discarding any sender/timestamp the client supplied.
func ToSPacket(w WebPacket, sender identity.UserId, at identity.Timestamp) SPacket {
	return SPacket{
		Sender:      sender,
		Destination: w.Destination,
		Time:        at,
		Packet:      w.Content,
	}
}

// ToWebPacket renders an outbound SPacket for the wire, stamping sender and
// timestamp so the recipient can display them.
func ToWebPacket(s SPacket) WebPacket {
	sender := s.Sender
	ts := s.Time
	return WebPacket{
		Content:     s.Packet,
		Destination: s.Destination,
		Sender:      &sender,
		Timestamp:   &ts,
	}
}
