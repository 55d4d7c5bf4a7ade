package storage

import (
	"sort"
	"sync"

	"relay/internal/identity"
)

// memoryRoom is a MessageRoomDAO backed by a plain map, guarded by its own
// mutex so it stays safe to read from outside the routing core's single
// writer goroutine (the REST history endpoint, for instance).
type memoryRoom struct {
	mu       sync.RWMutex
	members  []identity.UserId
	messages map[identity.MessageId]Message
}

func newMemoryRoom(members []identity.UserId) *memoryRoom {
	return &memoryRoom{members: members, messages: make(map[identity.MessageId]Message)}
}

func (r *memoryRoom) Members() []identity.UserId {
	out := make([]identity.UserId, len(r.members))
	copy(out, r.members)
	return out
}

func (r *memoryRoom) AddMessage(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = msg
	return nil
}

func (r *memoryRoom) GetMessage(id identity.MessageId) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	return m, ok
}

func (r *memoryRoom) GetMessages(filter Filter) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		if filter == nil || filter(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func (r *memoryRoom) EditMessage(id identity.MessageId, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return &MissingMessageIDError{ID: id}
	}
	m.Content = content
	r.messages[id] = m
	return nil
}

// MemoryStore is an in-memory MessagesDAO: the implementation the routing
// core depends on by default. Rooms are created lazily on first write.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[identity.RoomId]*memoryRoom
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[identity.RoomId]*memoryRoom)}
}

func (s *MemoryStore) AddMessage(msg Message, dest identity.Destination) error {
	roomID, err := identity.RoomIDForDestination(msg.Sender, dest)
	if err != nil {
		return err
	}
	room := s.getOrCreateRoom(roomID)
	return room.AddMessage(msg)
}

func (s *MemoryStore) getOrCreateRoom(id identity.RoomId) *memoryRoom {
	s.mu.RLock()
	room, ok := s.rooms[id]
	s.mu.RUnlock()
	if ok {
		return room
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok = s.rooms[id]; ok {
		return room
	}
	room = newMemoryRoom(roomMembers(id))
	s.rooms[id] = room
	return room
}

// roomMembers derives the fixed participant set from the room key. Group
// rooms would carry an explicit member list; none exist yet.
func roomMembers(id identity.RoomId) []identity.UserId {
	if id.Kind == identity.RoomDM {
		return []identity.UserId{id.Pair.A, id.Pair.B}
	}
	return nil
}

func (s *MemoryStore) GetRoom(id identity.RoomId) (MessageRoomDAO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, &MissingRoomIDError{Room: id}
	}
	return room, nil
}

func (s *MemoryStore) GetRoomMut(id identity.RoomId) (MessageRoomDAO, error) {
	return s.GetRoom(id)
}
