package webtransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	wt "github.com/quic-go/webtransport-go"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/routing"
	"relay/internal/session"
)

// Handler upgrades HTTP/3 requests to WebTransport sessions and hands them
// to the session manager. The client opens the first bidirectional stream
// after connecting; every frame on it is one newline-terminated WebPacket.
type Handler struct {
	manager *session.Manager
	server  *wt.Server
	log     *slog.Logger
}

// NewHandler builds a Handler over manager and the WebTransport server the
// upgrade goes through.
func NewHandler(manager *session.Manager, server *wt.Server, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: manager, server: server, log: log}
}

// Register binds the WebTransport route on an echo router. The route shape
// mirrors the websocket transport's, under a /wt prefix so both can be
// served from one echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.CONNECT("/wt/updates/:uid", h.handleUpdates)
}

// handleUpdates registers uid with the routing core before upgrading, so a
// duplicate registration is refused with a plain 403 instead of an
// established-then-closed session.
func (h *Handler) handleUpdates(c echo.Context) error {
	uid := identity.UserId(c.Param("uid"))
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing uid")
	}

	rx, err := h.manager.Register(c.Request().Context(), uid)
	if err != nil {
		var inUse *routing.AlreadyInUseError
		if errors.As(err, &inUse) {
			h.log.Info("wt: rejected duplicate registration", "user_id", uid)
			return echo.NewHTTPError(http.StatusForbidden, "user already connected")
		}
		return err
	}

	// Upgrade needs the raw http3 response writer, not echo's wrapper.
	sess, err := h.server.Upgrade(c.Response().Writer, c.Request())
	if err != nil {
		h.log.Error("wt: upgrade failed", "user_id", uid, "err", err)
		rx.Close()
		return fmt.Errorf("wt: upgrade: %w", err)
	}

	// The client opens the control stream first.
	stream, err := sess.AcceptStream(c.Request().Context())
	if err != nil {
		h.log.Error("wt: accept stream failed", "user_id", uid, "err", err)
		rx.Close()
		sess.CloseWithError(0, "no control stream")
		return nil
	}

	h.log.Info("wt: connected", "user_id", uid, "remote", c.RealIP())
	h.manager.Pump(c.Request().Context(), uid, newWTConn(sess, stream), rx)
	h.log.Info("wt: disconnected", "user_id", uid)
	return nil
}

// wtConn adapts a WebTransport session's control stream to session.Conn.
// Frames are newline-terminated JSON WebPackets.
type wtConn struct {
	sess   *wt.Session
	stream *wt.Stream
	reader *bufio.Reader

	writeMu sync.Mutex
}

func newWTConn(sess *wt.Session, stream *wt.Stream) *wtConn {
	return &wtConn{sess: sess, stream: stream, reader: bufio.NewReader(stream)}
}

// ReadFrame reads one newline-terminated frame. A complete line that fails
// to decode is reported wrapping protocol.ErrMalformedFrame, so the session
// manager drops it instead of tearing the session down; a stream read error
// is returned as-is.
func (c *wtConn) ReadFrame(_ context.Context) (protocol.WebPacket, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return protocol.WebPacket{}, err
	}
	var wp protocol.WebPacket
	if err := json.Unmarshal(line, &wp); err != nil {
		return protocol.WebPacket{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return wp, nil
}

func (c *wtConn) WriteFrame(_ context.Context, wp protocol.WebPacket) error {
	data, err := json.Marshal(wp)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stream.Write(append(data, '\n'))
	return err
}

func (c *wtConn) Close() error {
	return c.sess.CloseWithError(0, "bye")
}
