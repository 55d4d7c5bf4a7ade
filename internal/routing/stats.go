package routing

import (
	"sync/atomic"

	"relay/internal/protocol"
)

// Stats is a point-in-time snapshot of the routing core's load, safe to read
// from any goroutine (the metrics logger, the REST API).
type Stats struct {
	SessionsOpen      int64
	DraftsOpen        int64
	BacklogDepth      int64
	PacketsRouted     uint64
	PacketsBacklogged uint64
	BytesRouted       uint64
}

// coreStats holds the atomic counters behind Stats. Gauges are written by the
// dispatcher goroutine after every command; counters are bumped at the point
// of delivery or backlog append.
type coreStats struct {
	sessionsOpen      atomic.Int64
	draftsOpen        atomic.Int64
	backlogDepth      atomic.Int64
	packetsRouted     atomic.Uint64
	packetsBacklogged atomic.Uint64
	bytesRouted       atomic.Uint64
}

func (s *coreStats) snapshot() Stats {
	return Stats{
		SessionsOpen:      s.sessionsOpen.Load(),
		DraftsOpen:        s.draftsOpen.Load(),
		BacklogDepth:      s.backlogDepth.Load(),
		PacketsRouted:     s.packetsRouted.Load(),
		PacketsBacklogged: s.packetsBacklogged.Load(),
		BytesRouted:       s.bytesRouted.Load(),
	}
}

// contentBytes counts the user-visible payload of a packet, for the
// bytes-routed counter. Control packets with no content count as zero.
func contentBytes(p protocol.Packet) int {
	switch v := p.(type) {
	case protocol.NewMessage:
		return len(v.Content)
	case protocol.Edit:
		return len(v.Content)
	case protocol.EndDraft:
		return len(v.Content)
	default:
		return 0
	}
}
