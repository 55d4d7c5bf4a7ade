// Package ws is the primary transport adapter: a gorilla/websocket
// full-duplex stream served over an echo route, carrying WebPacket JSON
// frames at /updates/:uid.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/routing"
	"relay/internal/session"
)

const writeTimeout = 5 * time.Second

// Handler owns the websocket transport.
type Handler struct {
	manager  *session.Manager
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler builds a Handler that hands registered sessions to manager.
func NewHandler(manager *session.Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		log: log,
	}
}

// Register binds the websocket route on an echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/updates/:uid", h.handleUpdates)
}

// handleUpdates registers uid with the routing core *before* upgrading the
// connection, so a duplicate registration is rejected with a plain 403
// rather than an upgraded-then-immediately-closed socket.
func (h *Handler) handleUpdates(c echo.Context) error {
	uid := identity.UserId(c.Param("uid"))
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing uid")
	}

	rx, err := h.manager.Register(c.Request().Context(), uid)
	if err != nil {
		var inUse *routing.AlreadyInUseError
		if errors.As(err, &inUse) {
			h.log.Info("ws: rejected duplicate registration", "user_id", uid)
			return echo.NewHTTPError(http.StatusForbidden, "user already connected")
		}
		return err
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws: upgrade failed", "user_id", uid, "err", err)
		rx.Close()
		return fmt.Errorf("ws: upgrade: %w", err)
	}

	h.log.Info("ws: connected", "user_id", uid, "remote", c.RealIP())
	h.manager.Pump(c.Request().Context(), uid, &wsConn{conn: conn}, rx)
	h.log.Info("ws: disconnected", "user_id", uid)
	return nil
}

// wsConn adapts a *websocket.Conn to session.Conn.
type wsConn struct {
	conn *websocket.Conn
}

// ReadFrame reads one frame. A frame that arrives intact but fails to
// decode is reported wrapping protocol.ErrMalformedFrame, so the session
// manager drops it instead of tearing the session down; a failed read means
// the socket is gone and is returned as-is.
func (c *wsConn) ReadFrame(_ context.Context) (protocol.WebPacket, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.WebPacket{}, err
	}
	var wp protocol.WebPacket
	if err := json.Unmarshal(data, &wp); err != nil {
		return protocol.WebPacket{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return wp, nil
}

func (c *wsConn) WriteFrame(_ context.Context, wp protocol.WebPacket) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(wp)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
