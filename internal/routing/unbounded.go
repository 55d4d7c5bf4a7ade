package routing

import (
	"context"
	"sync"

	"relay/internal/protocol"
)

// unboundedChan is an unbounded, non-blocking-send queue of SPacket values,
// closeable from either end. Send never blocks the caller and never drops a
// packet unless the channel has been closed — either by the dispatcher
// (on deregister) or by the receiving side itself (simulating a dropped
// receive end, the scenario the routing core must detect on its own).
type unboundedChan struct {
	mu     sync.Mutex
	queue  []protocol.SPacket
	signal chan struct{}
	closed bool
}

func newUnboundedChan() *unboundedChan {
	return &unboundedChan{signal: make(chan struct{}, 1)}
}

// Send enqueues pkt. Reports false if the channel is closed.
func (u *unboundedChan) Send(pkt protocol.SPacket) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	u.queue = append(u.queue, pkt)
	u.mu.Unlock()
	select {
	case u.signal <- struct{}{}:
	default:
	}
	return true
}

func (u *unboundedChan) tryRecv() (protocol.SPacket, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return protocol.SPacket{}, false
	}
	pkt := u.queue[0]
	u.queue = u.queue[1:]
	return pkt, true
}

func (u *unboundedChan) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Recv blocks until a packet is available, the channel is closed and
// drained, or ctx is done.
func (u *unboundedChan) Recv(ctx context.Context) (protocol.SPacket, bool) {
	for {
		if pkt, ok := u.tryRecv(); ok {
			return pkt, true
		}
		if u.isClosed() {
			return protocol.SPacket{}, false
		}
		select {
		case <-u.signal:
		case <-ctx.Done():
			return protocol.SPacket{}, false
		}
	}
}

// Close marks the channel dead. Safe to call more than once, and from
// either producer or consumer side.
func (u *unboundedChan) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	select {
	case u.signal <- struct{}{}:
	default:
	}
}

// EgressReceiver is the receive handle returned by Core.Register. A session
// reads from it in a loop until it returns ok=false, then knows the core has
// deregistered it (or the session itself called Close to walk away).
type EgressReceiver struct {
	ch *unboundedChan
}

// Recv blocks for the next outbound packet.
func (r *EgressReceiver) Recv(ctx context.Context) (protocol.SPacket, bool) {
	return r.ch.Recv(ctx)
}

// Close tells the routing core this receiver is gone. The core discovers
// the closure on its next send to this session and recovers by backlogging
// the packet and deregistering the user.
func (r *EgressReceiver) Close() {
	r.ch.Close()
}
