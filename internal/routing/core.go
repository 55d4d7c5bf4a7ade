// Package routing implements the routing core: the single-writer dispatcher
// that owns session registration, per-user backlog, live drafts, and
// process_message — the heart of the relay.
package routing

import (
	"context"
	"log/slog"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/storage"
)

// AuditFunc, when set, is invoked once per successfully processed packet.
// It must not block: the routing core never waits on it. See
// internal/audit for the intended best-effort consumer.
type AuditFunc func(protocol.SPacket)

type registerCmd struct {
	uid   identity.UserId
	reply chan registerResult
}

type registerResult struct {
	rx  *EgressReceiver
	err error
}

type deregisterCmd struct {
	uid  identity.UserId
	done chan struct{}
}

type processCmd struct {
	pkt  protocol.SPacket
	done chan struct{}
}

// Core is the routing core. All of its mutable state is owned exclusively
// by the goroutine started by Run: open_senders, backlog and current_drafts
// are never touched outside that goroutine. Register, Deregister and
// ProcessMessage are themselves commands sent through the same inbound
// channel, so registration, deregistration and message processing
// interleave in one total order with no separate mutex.
type Core struct {
	inbox chan any
	store storage.MessagesDAO
	audit AuditFunc
	stats coreStats
	log   *slog.Logger
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithAudit installs a best-effort audit hook, called after every inbound
// packet process_message handles, StartDraft included. Packets the core
// emits itself (echoes, catch-up on register, discard notices on deregister)
// are not audited.
func WithAudit(fn AuditFunc) Option {
	return func(c *Core) { c.audit = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.log = l }
}

// NewCore builds a Core over store. Call Run in its own goroutine to start
// the dispatcher before using Register/Deregister/ProcessMessage.
func NewCore(store storage.MessagesDAO, opts ...Option) *Core {
	c := &Core{
		inbox: make(chan any, 256),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = store
	return c
}

// Run executes the dispatcher loop until ctx is done. It owns all routing
// state for its entire lifetime; call it exactly once, from exactly one
// goroutine.
func (c *Core) Run(ctx context.Context) {
	st := newDispatcherState(c.store, c.audit, &c.stats, c.log)
	for {
		select {
		case <-ctx.Done():
			st.shutdown()
			return
		case cmd := <-c.inbox:
			st.handle(cmd)
		}
	}
}

// Stats returns a snapshot of the core's current load. Safe to call from any
// goroutine.
func (c *Core) Stats() Stats {
	return c.stats.snapshot()
}

// Register opens a session for uid and returns its egress receiver. Returns
// *AlreadyInUseError if uid already has an open session.
func (c *Core) Register(ctx context.Context, uid identity.UserId) (*EgressReceiver, error) {
	reply := make(chan registerResult, 1)
	select {
	case c.inbox <- registerCmd{uid: uid, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.rx, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deregister closes uid's session, if any, discarding its outgoing drafts
// with a best-effort DiscardDraft notice to each draft's recipient. Blocks
// until the dispatcher has applied the deregistration.
func (c *Core) Deregister(ctx context.Context, uid identity.UserId) error {
	done := make(chan struct{})
	select {
	case c.inbox <- deregisterCmd{uid: uid, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessMessage runs pkt through process_message. Blocks until the
// dispatcher has fully applied its effects (every emission attempted,
// storage updated, disconnects handled) so callers — tests in particular —
// can inspect side effects immediately after it returns.
func (c *Core) ProcessMessage(ctx context.Context, pkt protocol.SPacket) error {
	done := make(chan struct{})
	select {
	case c.inbox <- processCmd{pkt: pkt, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
