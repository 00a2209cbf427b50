package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single inbound frame. Full-tier snapshots can exceed
// coder/websocket's 32KiB default.
const maxFrameSize = 4 << 20

// Conn is one live message-oriented transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn. Managers try their dialers in order on every attempt.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer with gorilla's defaults plus a handshake
// timeout. A zero timeout leaves the context deadline in charge.
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = handshakeTimeout
	return &WebSocketDialer{Dialer: &d}
}

func (d *WebSocketDialer) Name() string { return "websocket" }

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{c: c}, nil
}

// wsConn adapts *websocket.Conn. gorilla allows one concurrent writer, so
// writes are serialized here.
type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, p, err := w.c.ReadMessage()
	return p, err
}

func (w *wsConn) WriteMessage(p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, p)
}

func (w *wsConn) SetReadDeadline(t time.Time) error { return w.c.SetReadDeadline(t) }

func (w *wsConn) Close() error { return w.c.Close() }

// CoderDialer dials with coder/websocket. It is the fallback transport when
// the gorilla handshake is refused by an intermediate proxy.
type CoderDialer struct {
	Options *cws.DialOptions
}

func (d *CoderDialer) Name() string { return "coder-websocket" }

func (d *CoderDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	opts := d.Options
	if opts == nil {
		opts = &cws.DialOptions{}
	}
	if header != nil {
		cp := *opts
		cp.HTTPHeader = header
		opts = &cp
	}
	c, resp, err := cws.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("coder websocket dial %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &coderConn{c: c}, nil
}

// coderConn adapts *cws.Conn, which takes deadlines as contexts per call.
// An expired read context closes the connection, matching what a missed
// liveness window means for the read loop anyway.
type coderConn struct {
	c *cws.Conn

	mu       sync.Mutex
	deadline time.Time
}

func (w *coderConn) ReadMessage() ([]byte, error) {
	w.mu.Lock()
	dl := w.deadline
	w.mu.Unlock()

	ctx := context.Background()
	if !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	_, p, err := w.c.Read(ctx)
	return p, err
}

func (w *coderConn) WriteMessage(p []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.c.Write(ctx, cws.MessageText, p)
}

func (w *coderConn) SetReadDeadline(t time.Time) error {
	w.mu.Lock()
	w.deadline = t
	w.mu.Unlock()
	return nil
}

func (w *coderConn) Close() error { return w.c.CloseNow() }
