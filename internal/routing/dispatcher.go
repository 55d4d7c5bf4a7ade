package routing

import (
	"log/slog"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/storage"
)

// draftKey identifies one in-flight draft by (sender, destination) — at
// most one draft can be open per pair at a time.
type draftKey struct {
	sender identity.UserId
	dest   identity.Destination
}

type draftState struct {
	id        identity.MessageId
	content   string
	startTime identity.Timestamp
}

// dispatcherState holds every piece of mutable routing state. It is owned
// exclusively by the goroutine running Core.Run and must never be touched
// from anywhere else.
type dispatcherState struct {
	openSenders    map[identity.UserId]*unboundedChan
	backlog        map[identity.UserId][]protocol.SPacket
	backlogEntries int
	drafts         map[draftKey]*draftState
	store          storage.MessagesDAO
	audit          AuditFunc
	stats          *coreStats
	log            *slog.Logger
}

func newDispatcherState(store storage.MessagesDAO, audit AuditFunc, stats *coreStats, log *slog.Logger) *dispatcherState {
	return &dispatcherState{
		openSenders: make(map[identity.UserId]*unboundedChan),
		backlog:     make(map[identity.UserId][]protocol.SPacket),
		drafts:      make(map[draftKey]*draftState),
		store:       store,
		audit:       audit,
		stats:       stats,
		log:         log,
	}
}

func (s *dispatcherState) handle(cmd any) {
	switch c := cmd.(type) {
	case registerCmd:
		rx, err := s.register(c.uid)
		s.publishGauges()
		c.reply <- registerResult{rx: rx, err: err}
	case deregisterCmd:
		s.deregister(c.uid)
		s.publishGauges()
		close(c.done)
	case processCmd:
		s.processMessage(c.pkt)
		s.publishGauges()
		close(c.done)
	default:
		s.log.Error("routing: unknown dispatcher command", "type", c)
	}
}

// publishGauges snapshots the dispatcher-owned state sizes into the shared
// atomic counters, before the command's caller is unblocked.
func (s *dispatcherState) publishGauges() {
	s.stats.sessionsOpen.Store(int64(len(s.openSenders)))
	s.stats.draftsOpen.Store(int64(len(s.drafts)))
	s.stats.backlogDepth.Store(int64(s.backlogEntries))
}

// isSuppressedCatchUp reports whether pkt is a backlogged NewDraft or
// editing-draft Edit for one of the draft ids about to be re-synthesized by
// register's catch-up step. Replaying those would show the joining user the
// same draft twice.
func isSuppressedCatchUp(pkt protocol.SPacket, liveDraftIDs map[identity.MessageId]struct{}) bool {
	switch p := pkt.Packet.(type) {
	case protocol.NewDraft:
		_, ok := liveDraftIDs[p.UUID]
		return ok
	case protocol.Edit:
		if !p.EditingDraft {
			return false
		}
		_, ok := liveDraftIDs[p.UUID]
		return ok
	default:
		return false
	}
}

func (s *dispatcherState) register(uid identity.UserId) (*EgressReceiver, error) {
	if _, exists := s.openSenders[uid]; exists {
		return nil, &AlreadyInUseError{UserId: uid}
	}
	ch := newUnboundedChan()
	s.openSenders[uid] = ch

	liveDraftIDs := make(map[identity.MessageId]struct{})
	var liveDraftsToUser []draftKey
	for key, d := range s.drafts {
		if key.dest.Kind == identity.DestUser && key.dest.User == uid {
			liveDraftIDs[d.id] = struct{}{}
			liveDraftsToUser = append(liveDraftsToUser, key)
		}
	}

	backlog := s.backlog[uid]
	delete(s.backlog, uid)
	s.backlogEntries -= len(backlog)
	for _, pkt := range backlog {
		if isSuppressedCatchUp(pkt, liveDraftIDs) {
			continue
		}
		if ch.Send(pkt) {
			s.countDelivered(pkt)
		}
	}

	now := identity.Now()
	for _, key := range liveDraftsToUser {
		d := s.drafts[key]
		dest := identity.NewUserDestination(uid)
		ch.Send(protocol.SPacket{
			Sender:      key.sender,
			Destination: dest,
			Time:        now,
			Packet:      protocol.NewDraft{UUID: d.id, StartTime: d.startTime},
		})
		ch.Send(protocol.SPacket{
			Sender:      key.sender,
			Destination: dest,
			Time:        now,
			Packet:      protocol.Edit{UUID: d.id, Content: d.content, EditingDraft: true},
		})
	}

	s.log.Debug("routing: registered", "user_id", uid, "backlog_replayed", len(backlog), "catch_up_drafts", len(liveDraftsToUser))
	return &EgressReceiver{ch: ch}, nil
}

func (s *dispatcherState) deregister(uid identity.UserId) {
	if ch, ok := s.openSenders[uid]; ok {
		delete(s.openSenders, uid)
		ch.Close()
	}

	now := identity.Now()
	for key, d := range s.drafts {
		if key.sender != uid {
			continue
		}
		delete(s.drafts, key)
		s.bestEffortSend(key.dest, protocol.SPacket{
			Sender:      uid,
			Destination: key.dest,
			Time:        now,
			Packet:      protocol.DiscardDraft{UUID: d.id},
		})
	}

	s.log.Debug("routing: deregistered", "user_id", uid)
}

// shutdown runs when Core.Run's context is canceled: it closes every open
// egress channel so sessions blocked in Recv wake up and exit cleanly.
func (s *dispatcherState) shutdown() {
	for uid, ch := range s.openSenders {
		delete(s.openSenders, uid)
		ch.Close()
	}
}

// bestEffortSend delivers pkt to dest's open session only; unlike trySend it
// never backlogs on a missing session. Used for DiscardDraft notices on
// deregister: a recipient with no session has no draft UI to clear, so the
// notice is dropped rather than queued.
func (s *dispatcherState) bestEffortSend(dest identity.Destination, pkt protocol.SPacket) {
	if dest.Kind != identity.DestUser {
		return
	}
	if ch, ok := s.openSenders[dest.User]; ok {
		if ch.Send(pkt) {
			s.countDelivered(pkt)
		} else {
			delete(s.openSenders, dest.User)
		}
	}
}

func (s *dispatcherState) countDelivered(pkt protocol.SPacket) {
	s.stats.packetsRouted.Add(1)
	s.stats.bytesRouted.Add(uint64(contentBytes(pkt.Packet)))
}

func (s *dispatcherState) enqueueBacklog(to identity.UserId, pkt protocol.SPacket) {
	s.backlog[to] = append(s.backlog[to], pkt)
	s.backlogEntries++
	s.stats.packetsBacklogged.Add(1)
}

// trySend delivers pkt to the user "to". If "to" has an open session, it
// first drains any backlog addressed to them (preserving FIFO order), then
// attempts delivery. If the session's egress channel has been closed out
// from under it (the receiving side dropped it), it falls back to backlog
// and reports false so the caller schedules a deregister. If "to" has no
// open session at all, the packet is simply backlogged and true is
// returned — that is not a disconnect, just an offline recipient.
func (s *dispatcherState) trySend(to identity.UserId, pkt protocol.SPacket) bool {
	if !s.drainBacklogInto(to) {
		s.enqueueBacklog(to, pkt)
		return false
	}
	ch, ok := s.openSenders[to]
	if !ok {
		s.enqueueBacklog(to, pkt)
		return true
	}
	if ch.Send(pkt) {
		s.countDelivered(pkt)
		return true
	}
	delete(s.openSenders, to)
	s.enqueueBacklog(to, pkt)
	return false
}

// drainBacklogInto flushes to's backlog into its open session, if it has one.
// Reports false when the session broke mid-drain; the undelivered remainder
// (failed packet included) is restored to the backlog so it survives for the
// next registration, and the dead sender is removed.
func (s *dispatcherState) drainBacklogInto(to identity.UserId) bool {
	ch, ok := s.openSenders[to]
	if !ok {
		return true
	}
	backlog, ok := s.backlog[to]
	if !ok || len(backlog) == 0 {
		return true
	}
	delete(s.backlog, to)
	s.backlogEntries -= len(backlog)
	for i, pkt := range backlog {
		if !ch.Send(pkt) {
			delete(s.openSenders, to)
			rest := backlog[i:]
			s.backlog[to] = rest
			s.backlogEntries += len(rest)
			return false
		}
		s.countDelivered(pkt)
	}
	return true
}

func userOf(dest identity.Destination) (identity.UserId, bool) {
	if dest.Kind != identity.DestUser {
		return "", false
	}
	return dest.User, true
}

func (s *dispatcherState) processMessage(pkt protocol.SPacket) {
	dest, from := pkt.GetToFrom()
	to, ok := userOf(dest)
	if !ok {
		s.log.Warn("routing: dropping packet with unsupported destination kind", "kind", dest.Kind, "sender", from)
		return
	}

	now := identity.Now()
	key := draftKey{sender: from, dest: dest}

	disconnected := make(map[identity.UserId]struct{})
	if !s.drainBacklogInto(to) {
		disconnected[to] = struct{}{}
	}
	emit := func(target identity.UserId, out protocol.SPacket) {
		if !s.trySend(target, out) {
			disconnected[target] = struct{}{}
		}
	}

	switch p := pkt.Packet.(type) {
	case protocol.StartDraft:
		id := identity.NewMessageId()
		s.drafts[key] = &draftState{id: id, startTime: now}
		nd := protocol.NewDraft{UUID: id, StartTime: now}
		emit(to, protocol.SPacket{Sender: pkt.Sender, Destination: pkt.Destination, Time: now, Packet: nd})
		emit(pkt.Sender, protocol.SPacket{Sender: pkt.Sender, Destination: identity.NewUserDestination(pkt.Sender), Time: now, Packet: nd})

	case protocol.Edit:
		if d, ok := s.drafts[key]; ok && d.id == p.UUID {
			d.content = p.Content
		}
		emit(to, protocol.SPacket{Sender: pkt.Sender, Destination: pkt.Destination, Time: pkt.Time, Packet: p})
		if d, ok := s.drafts[key]; !ok || d.id != p.UUID {
			if !p.EditingDraft {
				s.applyFinalizedEdit(pkt.Sender, pkt.Destination, p)
			}
		}

	case protocol.EndDraft:
		d, hadDraft := s.drafts[key]
		delete(s.drafts, key)
		// Forward before persisting: recipients see the finalized content
		// even if storage is temporarily unavailable.
		emit(to, protocol.SPacket{Sender: pkt.Sender, Destination: pkt.Destination, Time: pkt.Time, Packet: p})
		emit(pkt.Sender, protocol.SPacket{Sender: pkt.Sender, Destination: identity.NewUserDestination(pkt.Sender), Time: pkt.Time, Packet: p})
		if hadDraft {
			// The packet's content is the client's final word on the draft;
			// it supersedes whatever the last Edit left in the draft state.
			msg := storage.Message{Sender: pkt.Sender, Content: p.Content, ID: d.id, StartTime: d.startTime, EndTime: now}
			if err := s.store.AddMessage(msg, pkt.Destination); err != nil {
				s.log.Error("routing: failed to persist finalized message", "message_id", d.id, "err", err)
			}
		}

	case protocol.DiscardDraft:
		delete(s.drafts, key)
		emit(to, protocol.SPacket{Sender: pkt.Sender, Destination: pkt.Destination, Time: pkt.Time, Packet: p})

	default:
		// NewMessage and any future packet kind: forward verbatim.
		emit(to, protocol.SPacket{Sender: pkt.Sender, Destination: pkt.Destination, Time: pkt.Time, Packet: pkt.Packet})
	}

	for target := range disconnected {
		s.deregister(target)
	}

	if s.audit != nil {
		s.audit(pkt)
	}
}

// applyFinalizedEdit handles Edit{editing_draft: false}: an edit to a
// message that has already been stored. Missing room or message is logged
// and swallowed; the edit is still forwarded to the recipient either way.
func (s *dispatcherState) applyFinalizedEdit(sender identity.UserId, dest identity.Destination, p protocol.Edit) {
	roomID, err := identity.RoomIDForDestination(sender, dest)
	if err != nil {
		s.log.Warn("routing: edit for unsupported destination kind", "sender", sender, "err", err)
		return
	}
	room, err := s.store.GetRoomMut(roomID)
	if err != nil {
		s.log.Warn("routing: edit references unknown room", "room", roomID, "message_id", p.UUID, "err", err)
		return
	}
	if err := room.EditMessage(p.UUID, p.Content); err != nil {
		s.log.Warn("routing: edit references unknown message", "message_id", p.UUID, "err", err)
	}
}
