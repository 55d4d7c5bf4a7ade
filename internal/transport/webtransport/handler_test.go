package webtransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	wt "github.com/quic-go/webtransport-go"

	"relay/internal/identity"
	"relay/internal/protocol"
	"relay/internal/routing"
	"relay/internal/session"
	"relay/internal/storage"
	"relay/internal/tlsconf"
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

	tlsConfig, _, err := tlsconf.Generate(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}

	e := echo.New()
	srv := NewServer("127.0.0.1:0", tlsConfig, e)
	NewHandler(session.NewManager(core, nil), srv, nil).Register(e)

	udpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	go func() {
		_ = srv.Serve(udpConn)
	}()
	t.Cleanup(func() { _ = srv.Close() })

	return core, udpConn.LocalAddr().String()
}

func dialSession(t *testing.T, addr, uid string) (*wt.Stream, *bufio.Reader) {
	t.Helper()

	d := wt.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, sess, err := d.Dial(ctx, "https://"+addr+"/wt/updates/"+uid, http.Header{})
	if err != nil {
		t.Fatalf("dial %s as %q: %v", addr, uid, err)
	}
	t.Cleanup(func() { sess.CloseWithError(0, "test done") })

	stream, err := sess.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return stream, bufio.NewReader(stream)
}

func writeFrame(t *testing.T, stream *wt.Stream, wp protocol.WebPacket) {
	t.Helper()
	data, err := json.Marshal(wp)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if _, err := stream.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, stream *wt.Stream, reader *bufio.Reader) protocol.WebPacket {
	t.Helper()
	_ = stream.SetReadDeadline(time.Now().Add(4 * time.Second))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var wp protocol.WebPacket
	if err := json.Unmarshal(line, &wp); err != nil {
		t.Fatalf("decode frame: %v", err)
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

func TestSessionRoundTrip(t *testing.T) {
	core, addr := startTestServer(t)
	ctx := context.Background()

	stream, reader := dialSession(t, addr, "alice")
	rxBob, err := core.Register(ctx, "bob")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	// Inbound first: the first write also materializes the control stream
	// on the server side.
	writeFrame(t, stream, protocol.WebPacket{
		Content:     protocol.NewMessage{UUID: identity.NewMessageId(), Content: "from alice"},
		Destination: identity.NewUserDestination("bob"),
	})
	pkt := recvPacket(t, rxBob)
	in, ok := pkt.Packet.(protocol.NewMessage)
	if !ok || in.Content != "from alice" {
		t.Fatalf("unexpected packet at bob: %+v", pkt)
	}
	if pkt.Sender != "alice" {
		t.Fatalf("expected authenticated sender alice, got %q", pkt.Sender)
	}

	// Outbound: a packet routed to alice comes out of her stream.
	if err := core.ProcessMessage(ctx, protocol.SPacket{
		Sender:      "bob",
		Destination: identity.NewUserDestination("alice"),
		Packet:      protocol.NewMessage{UUID: identity.NewMessageId(), Content: "hi back"},
	}); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	wp := readFrame(t, stream, reader)
	msg, ok := wp.Content.(protocol.NewMessage)
	if !ok || msg.Content != "hi back" {
		t.Fatalf("unexpected outbound packet: %+v", wp)
	}
	if wp.Sender == nil || *wp.Sender != "bob" {
		t.Fatalf("expected stamped sender bob, got %+v", wp.Sender)
	}
}

func TestDuplicateUIDRejectedForbidden(t *testing.T) {
	_, addr := startTestServer(t)

	stream, _ := dialSession(t, addr, "alice")
	// Materialize the first session's control stream so registration has
	// fully settled server-side.
	writeFrame(t, stream, protocol.WebPacket{
		Content:     protocol.StartDraft{},
		Destination: identity.NewUserDestination("bob"),
	})

	d := wt.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rsp, sess, err := d.Dial(ctx, "https://"+addr+"/wt/updates/alice", http.Header{})
	if err == nil {
		sess.CloseWithError(0, "unexpected")
		t.Fatal("expected second dial for the same uid to fail")
	}
	if rsp == nil || rsp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", rsp)
	}
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	core, addr := startTestServer(t)
	ctx := context.Background()

	stream, reader := dialSession(t, addr, "alice")
	rxBob, err := core.Register(ctx, "bob")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	if _, err := stream.Write([]byte("this is not a web packet\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The session must survive the bad frame: a valid frame sent right
	// after still routes.
	writeFrame(t, stream, protocol.WebPacket{
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
	wp := readFrame(t, stream, reader)
	if msg, ok := wp.Content.(protocol.NewMessage); !ok || msg.Content != "pong" {
		t.Fatalf("unexpected outbound packet after garbage: %+v", wp)
	}
}
