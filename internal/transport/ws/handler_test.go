package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/routing"
	"relay/internal/session"
	"relay/internal/storage"
)

func startTestServer(t *testing.T) (*routing.Core, string) {
	t.Helper()

	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	core := routing.NewCore(store)
	done := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e := echo.New()
	NewHandler(session.NewManager(core, nil), nil).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return core, wsURL
}

func dialClient(t *testing.T, baseWSURL, uid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/updates/"+uid, nil)
	if err != nil {
		t.Fatalf("dial ws as %q: %v", uid, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writePacket(t *testing.T, conn *websocket.Conn, wp protocol.WebPacket) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(wp); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readPacket(t *testing.T, conn *websocket.Conn) protocol.WebPacket {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	var wp protocol.WebPacket
	if err := conn.ReadJSON(&wp); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return wp
}

func recvPacket(t *testing.T, rx *routing.EgressReceiver) protocol.SPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	pkt, ok := rx.Recv(ctx)
	if !ok {
		t.Fatal("expected a packet on the egress receiver, got none")
	}
	return pkt
}

func TestUpgradeAndRoundTrip(t *testing.T) {
	core, wsURL := startTestServer(t)
	ctx := context.Background()

	alice := dialClient(t, wsURL, "alice")

	// Outbound: a packet routed to alice comes out of her socket with the
	// server-stamped sender.
	if err := core.ProcessMessage(ctx, protocol.SPacket{
		Sender:      "X",
		Destination: identity.NewUserDestination("alice"),
		Packet:      protocol.NewMessage{UUID: identity.NewMessageId(), Content: "hi"},
	}); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	wp := readPacket(t, alice)
	msg, ok := wp.Content.(protocol.NewMessage)
	if !ok || msg.Content != "hi" {
		t.Fatalf("unexpected outbound packet: %+v", wp)
	}
	if wp.Sender == nil || *wp.Sender != "X" {
		t.Fatalf("expected stamped sender X, got %+v", wp.Sender)
	}

	// Inbound: a frame written by alice is routed under her authenticated
	// uid, whatever sender the frame claims.
	rxBob, err := core.Register(ctx, "bob")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	eve := identity.UserId("eve")
	writePacket(t, alice, protocol.WebPacket{
		Content:     protocol.NewMessage{UUID: identity.NewMessageId(), Content: "from alice"},
		Destination: identity.NewUserDestination("bob"),
		Sender:      &eve,
	})
	pkt := recvPacket(t, rxBob)
	in, ok := pkt.Packet.(protocol.NewMessage)
	if !ok || in.Content != "from alice" {
		t.Fatalf("unexpected packet at bob: %+v", pkt)
	}
	if pkt.Sender != "alice" {
		t.Fatalf("expected authenticated sender alice, got %q", pkt.Sender)
	}
}

func TestDuplicateUIDRejectedForbidden(t *testing.T) {
	_, wsURL := startTestServer(t)

	dialClient(t, wsURL, "alice")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/updates/alice", nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected second dial for the same uid to fail")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	core, wsURL := startTestServer(t)
	ctx := context.Background()

	alice := dialClient(t, wsURL, "alice")
	rxBob, err := core.Register(ctx, "bob")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	_ = alice.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.WriteMessage(websocket.TextMessage, []byte("this is not a web packet")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The session must survive the bad frame: a valid frame sent right
	// after still routes.
	writePacket(t, alice, protocol.WebPacket{
		Content:     protocol.NewMessage{UUID: identity.NewMessageId(), Content: "still alive"},
		Destination: identity.NewUserDestination("bob"),
	})
	pkt := recvPacket(t, rxBob)
	if msg, ok := pkt.Packet.(protocol.NewMessage); !ok || msg.Content != "still alive" {
		t.Fatalf("expected valid frame after garbage to route, got %+v", pkt)
	}

	// And outbound delivery still works too.
	if err := core.ProcessMessage(ctx, protocol.SPacket{
		Sender:      "bob",
		Destination: identity.NewUserDestination("alice"),
		Packet:      protocol.NewMessage{UUID: identity.NewMessageId(), Content: "pong"},
	}); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	wp := readPacket(t, alice)
	if msg, ok := wp.Content.(protocol.NewMessage); !ok || msg.Content != "pong" {
		t.Fatalf("unexpected outbound packet after garbage: %+v", wp)
	}
}
