// Package session implements the session manager: on a new client stream,
// register with the routing core and run the ingress/egress pump for its
// lifetime, deregistering on close.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/routing"
)

// Conn is a transport-agnostic full-duplex stream of WebPackets. Both
// internal/transport/ws and internal/transport/webtransport implement it.
//
// ReadFrame must wrap decode failures on an otherwise-healthy stream with
// protocol.ErrMalformedFrame; the ingress pump drops such frames and keeps
// reading. Every other error is treated as a dead transport.
type Conn interface {
	ReadFrame(ctx context.Context) (protocol.WebPacket, error)
	WriteFrame(ctx context.Context, pkt protocol.WebPacket) error
	Close() error
}

// Manager wires transport connections to a routing.Core.
type Manager struct {
	core *routing.Core
	log  *slog.Logger
}

// NewManager builds a Manager over core.
func NewManager(core *routing.Core, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{core: core, log: log}
}

// Register opens uid's session on the routing core. Transports that need to
// reject a duplicate registration before committing to a protocol upgrade
// (internal/transport/ws, for its 403 response) call this directly, then
// Pump once the upgrade succeeds.
func (m *Manager) Register(ctx context.Context, uid identity.UserId) (*routing.EgressReceiver, error) {
	return m.core.Register(ctx, uid)
}

// Serve registers uid, then runs its ingress and egress pumps until either
// side terminates, deregistering uid before returning. Returns the error
// Register failed with, if registration itself failed (e.g. AlreadyInUse);
// otherwise returns nil once the session has fully wound down.
func (m *Manager) Serve(ctx context.Context, uid identity.UserId, conn Conn) error {
	rx, err := m.Register(ctx, uid)
	if err != nil {
		return err
	}
	m.Pump(ctx, uid, conn, rx)
	return nil
}

// Pump runs the ingress/egress loops for an already-registered session and
// deregisters uid once either side terminates. Exported so transports that
// must reject duplicate registrations pre-upgrade (see Register) can split
// the register step from the pump step.
func (m *Manager) Pump(ctx context.Context, uid identity.UserId, conn Conn, rx *routing.EgressReceiver) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		m.egress(sessionCtx, uid, conn, rx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		m.ingress(sessionCtx, uid, conn)
	}()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	wg.Wait()
	if err := m.core.Deregister(context.Background(), uid); err != nil {
		m.log.Error("session: deregister failed", "user_id", uid, "err", err)
	}
	m.log.Debug("session: closed", "user_id", uid)
}

func (m *Manager) ingress(ctx context.Context, uid identity.UserId, conn Conn) {
	for {
		wp, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				m.log.Warn("session: dropping malformed frame", "user_id", uid, "err", err)
				continue
			}
			if !errors.Is(err, context.Canceled) {
				m.log.Debug("session: ingress read ended", "user_id", uid, "err", err)
			}
			return
		}
		sp := protocol.ToSPacket(wp, uid, identity.Now())
		if err := m.core.ProcessMessage(ctx, sp); err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.Error("session: process_message failed", "user_id", uid, "err", err)
			}
			return
		}
	}
}

func (m *Manager) egress(ctx context.Context, uid identity.UserId, conn Conn, rx *routing.EgressReceiver) {
	for {
		sp, ok := rx.Recv(ctx)
		if !ok {
			return
		}
		wp := protocol.ToWebPacket(sp)
		if err := conn.WriteFrame(ctx, wp); err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.Debug("session: egress write failed", "user_id", uid, "err", err)
			}
			return
		}
	}
}
