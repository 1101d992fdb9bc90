package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipward/sipua/sip"
	"github.com/sipward/sipua/transport"
)

const testOptionsFrame = "OPTIONS sip:alice@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/WS server.example.com;branch=z9hG4bK-ws-1\r\n" +
	"From: <sip:carol@example.com>;tag=ws-from\r\n" +
	"To: <sip:alice@example.com>\r\n" +
	"Call-ID: ws-call-1\r\n" +
	"CSeq: 1 OPTIONS\r\n" +
	"Max-Forwards: 70\r\n" +
	"Content-Length: 0\r\n\r\n"

// wsEcho is a SIP WebSocket test server collecting client frames and
// pushing canned ones.
type wsEcho struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	frames chan string
}

func newWSEcho() *wsEcho {
	return &wsEcho{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{transport.WebSocketSubprotocol},
		},
		frames: make(chan string, 8),
	}
}

func (s *wsEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames <- string(data)
		}
	}()
}

func (s *wsEcho) push(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no client connected")
	}
	if err := s.conns[0].WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}
}

func (s *wsEcho) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.WriteMessage( //nolint:errcheck
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		)
		conn.Close() //nolint:errcheck
	}
}

// recorder implements transport.MessageReceiver.
type recorder struct {
	messages chan []byte
	errors   chan error
	closed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan []byte, 8),
		errors:   make(chan error, 1),
		closed:   make(chan struct{}, 1),
	}
}

func (r *recorder) RecvMessage(_ context.Context, data []byte) error {
	r.messages <- data
	return nil
}

func (r *recorder) RecvTransportError(_ context.Context, err error) { r.errors <- err }

func (r *recorder) RecvTransportClosed(context.Context) { r.closed <- struct{}{} }

func dialTestServer(t *testing.T, srv *wsEcho) *transport.WebSocket {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, err := transport.DialWebSocket(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket() = %v", err)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck
	return ws
}

func TestWebSocketSendAndServe(t *testing.T) {
	t.Parallel()

	srv := newWSEcho()
	ws := dialTestServer(t, srv)

	rcv := newRecorder()
	done := make(chan error, 1)
	go func() { done <- ws.Serve(t.Context(), rcv) }()

	// One message per text frame.
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "carol", Host: "example.com"})
	if err := ws.Send(t.Context(), req); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	select {
	case frame := <-srv.frames:
		if !strings.HasPrefix(frame, "OPTIONS sip:carol@example.com SIP/2.0") {
			t.Fatalf("frame = %q, want an OPTIONS request line", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received no frame")
	}

	// Inbound frames land in the receiver untouched.
	srv.push(t, testOptionsFrame)
	select {
	case data := <-rcv.messages:
		if string(data) != testOptionsFrame {
			t.Fatalf("received %q, want the pushed frame", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver got no message")
	}

	// A clean remote close ends Serve without an error.
	srv.closeAll()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() never returned")
	}
	select {
	case <-rcv.closed:
	case <-time.After(time.Second):
		t.Fatal("receiver was not notified of the disconnect")
	}
}

func TestWebSocketSubprotocol(t *testing.T) {
	t.Parallel()

	srv := newWSEcho()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, err := transport.DialWebSocket(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket() = %v", err)
	}
	defer ws.Close() //nolint:errcheck

	// The server handler finishes the handshake concurrently.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server accepted %d connections, want 1", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if got := srv.conns[0].Subprotocol(); got != transport.WebSocketSubprotocol {
		t.Fatalf("negotiated subprotocol = %q, want %q", got, transport.WebSocketSubprotocol)
	}
}

func TestWebSocketLocalClose(t *testing.T) {
	t.Parallel()

	srv := newWSEcho()
	ws := dialTestServer(t, srv)

	rcv := newRecorder()
	done := make(chan error, 1)
	go func() { done <- ws.Serve(t.Context(), rcv) }()

	// Closing our own side ends Serve cleanly, not as a transport error.
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() never returned")
	}
	select {
	case <-rcv.closed:
	case <-time.After(time.Second):
		t.Fatal("receiver was not notified of the disconnect")
	}
	select {
	case err := <-rcv.errors:
		t.Fatalf("transport error %v reported on local close", err)
	default:
	}
}

func TestWebSocketCloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := newWSEcho()
	ws := dialTestServer(t, srv)

	if err := ws.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() again = %v", err)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	t.Parallel()

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no upgrade here", http.StatusBadRequest)
	}))
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	if _, err := transport.DialWebSocket(t.Context(), url, nil); err == nil {
		t.Fatal("DialWebSocket() = nil error against a non-websocket server")
	}
}
