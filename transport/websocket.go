// Package transport provides message transports for the SIP user-agent
// core. The WebSocket transport implements the SIP over WebSocket framing
// of RFC 7118: one SIP message per text frame, subprotocol "sip".
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/sipward/sipua/internal/errorutil"
	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/sip"
)

// WebSocketSubprotocol is the negotiated subprotocol of RFC 7118.
const WebSocketSubprotocol = "sip"

var noDeadline time.Time

// MessageReceiver consumes what the transport reads off the wire.
// [sip.UserAgent] implements it.
type MessageReceiver interface {
	RecvMessage(ctx context.Context, data []byte) error
	RecvTransportError(ctx context.Context, err error)
	RecvTransportClosed(ctx context.Context)
}

// WebSocket is a client-side SIP WebSocket transport. Writes are
// serialized; reads run in [WebSocket.Serve].
type WebSocket struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// WebSocketOptions contains options for a WebSocket transport.
type WebSocketOptions struct {
	// Dialer overrides the default dialer, e.g. for TLS configuration.
	Dialer *websocket.Dialer
	// Header is sent with the handshake request.
	Header http.Header
	// Log is the logger that will be used with the transport.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *WebSocketOptions) dialer() *websocket.Dialer {
	if o == nil || o.Dialer == nil {
		return websocket.DefaultDialer
	}
	return o.Dialer
}

func (o *WebSocketOptions) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *WebSocketOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// DialWebSocket connects to a SIP WebSocket server at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, opts *WebSocketOptions) (*WebSocket, error) {
	dialer := *opts.dialer()
	dialer.Subprotocols = []string{WebSocketSubprotocol}

	conn, res, err := dialer.DialContext(ctx, url, opts.header()) //nolint:bodyclose
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if res != nil && res.Body != nil {
		res.Body.Close() //nolint:errcheck
	}

	w := &WebSocket{
		conn: conn,
		log:  opts.log(),
	}
	w.log.LogAttrs(ctx, slog.LevelDebug, "websocket connected",
		slog.String("url", url), slog.String("subprotocol", conn.Subprotocol()))

	return w, nil
}

// Send implements [sip.Transport], writing the message as one text frame.
func (w *WebSocket) Send(ctx context.Context, m sip.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline) //nolint:errcheck
		defer w.conn.SetWriteDeadline(noDeadline) //nolint:errcheck
	}

	if err := w.conn.WriteMessage(websocket.TextMessage, []byte(m.String())); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Serve reads frames until the connection fails or ctx is canceled,
// pushing each message into the receiver. It returns after notifying the
// receiver of the disconnect.
func (w *WebSocket) Serve(ctx context.Context, rcv MessageReceiver) error {
	stop := context.AfterFunc(ctx, func() {
		w.Close() //nolint:errcheck
	})
	defer stop()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			// A locally closed connection surfaces as a net error on the
			// read, not as a close frame.
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				(w.closed.Load() && errorutil.IsNetError(err)) {
				rcv.RecvTransportClosed(ctx)
				return nil
			}
			rcv.RecvTransportError(ctx, err)
			return errtrace.Wrap(err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		if err := rcv.RecvMessage(ctx, data); err != nil {
			w.log.LogAttrs(ctx, slog.LevelDebug, "inbound message dropped", slog.Any("error", err))
		}
	}
}

// Close closes the connection. It is safe to call multiple times.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.writeMu.Lock()
		w.conn.WriteMessage( //nolint:errcheck
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.writeMu.Unlock()
		w.closeErr = w.conn.Close()
	})
	return errtrace.Wrap(w.closeErr)
}
