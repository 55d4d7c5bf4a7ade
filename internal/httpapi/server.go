// Package httpapi is the relay's REST surface: health, routing stats, DM
// message history, and the operator audit trail. It owns the echo instance
// the websocket transport also registers its route on, so one listener
// serves both.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"relay/internal/audit"
	"relay/internal/identity"
	"relay/internal/routing"
	"relay/internal/storage"
)

// Server is the echo application.
type Server struct {
	echo  *echo.Echo
	core  *routing.Core
	store storage.MessagesDAO
	audit *audit.Log
}

// New constructs the echo app with all REST routes registered. auditLog may
// be nil; the audit endpoint then reports it as unavailable.
func New(core *routing.Core, store storage.MessagesDAO, auditLog *audit.Log) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, core: core, store: store, audit: auditLog}
	s.registerRoutes()
	return s
}

// requestLogger returns echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			// Health checks and the long-lived stream route are noise at
			// info level.
			if path == "/health" || strings.HasPrefix(path, "/updates/") {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying echo instance so the websocket transport can
// register its route, and so tests can drive the app with httptest.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/rooms/:a/:b/messages", s.handleRoomMessages)
	s.echo.GET("/api/audit", s.handleAudit)
}

// Run starts echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

// RunTLS is Run with TLS termination, for serving the stream route and the
// REST surface on the same TLS listener.
func (s *Server) RunTLS(ctx context.Context, srv *http.Server) error {
	srv.Handler = s.echo

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServeTLS("", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down tls server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		slog.Info("tls server stopped")
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int64  `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.core.Stats().SessionsOpen,
	})
}

type statsResponse struct {
	Sessions          int64  `json:"sessions"`
	Drafts            int64  `json:"drafts"`
	Backlog           int64  `json:"backlog"`
	PacketsRouted     uint64 `json:"packets_routed"`
	PacketsBacklogged uint64 `json:"packets_backlogged"`
	BytesRouted       uint64 `json:"bytes_routed"`
}

func (s *Server) handleStats(c echo.Context) error {
	st := s.core.Stats()
	return c.JSON(http.StatusOK, statsResponse{
		Sessions:          st.SessionsOpen,
		Drafts:            st.DraftsOpen,
		Backlog:           st.BacklogDepth,
		PacketsRouted:     st.PacketsRouted,
		PacketsBacklogged: st.PacketsBacklogged,
		BytesRouted:       st.BytesRouted,
	})
}

type messageResponse struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
}

// handleRoomMessages returns the stored history of the DM room between the
// two users named in the path. The order of :a and :b does not matter; the
// pair is canonicalized the same way the routing core keys rooms.
func (s *Server) handleRoomMessages(c echo.Context) error {
	a, b := c.Param("a"), c.Param("b")
	if a == "" || b == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "both user ids are required")
	}
	roomID := identity.RoomId{Kind: identity.RoomDM, Pair: identity.NewUserPair(identity.UserId(a), identity.UserId(b))}
	room, err := s.store.GetRoom(roomID)
	if err != nil {
		var missing *storage.MissingRoomIDError
		if errors.As(err, &missing) {
			return echo.NewHTTPError(http.StatusNotFound, "no messages between these users")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	msgs := room.GetMessages(nil)
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID.String(),
			Sender:    string(m.Sender),
			Content:   m.Content,
			StartTime: uint64(m.StartTime),
			EndTime:   uint64(m.EndTime),
		})
	}
	return c.JSON(http.StatusOK, out)
}

type auditEntryResponse struct {
	ID          int64  `json:"id"`
	TimeMicros  uint64 `json:"time_us"`
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	PacketType  string `json:"packet_type"`
	MessageID   string `json:"message_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) handleAudit(c echo.Context) error {
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit log is not configured")
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer between 1 and 1000")
		}
		limit = n
	}
	entries, err := s.audit.Recent(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:          e.ID,
			TimeMicros:  e.TimeMicros,
			Sender:      e.Sender,
			Destination: e.Destination,
			PacketType:  e.PacketType,
			MessageID:   e.MessageID,
			CreatedAt:   e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
