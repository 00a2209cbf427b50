package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const openFrame = `0{"sid":"fake-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is an in-memory server end. Tests push frames with send and read
// what the client wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	reject string

	mu       sync.Mutex
	deadline time.Time
	token    string
}

func newFakeConn(reject string) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
		reject: reject,
	}
	c.in <- []byte(openFrame)
	return c
}

func (c *fakeConn) send(frame string) {
	select {
	case c.in <- []byte(frame):
	case <-c.closed:
	}
}

func (c *fakeConn) emit(event string, payload any) {
	body, _ := json.Marshal([]any{event, payload})
	c.send("42" + string(body))
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-timeout:
		return nil, &net.OpError{Op: "read", Err: errors.New("i/o timeout")}
	}
}

func (c *fakeConn) WriteMessage(p []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	cp := append([]byte(nil), p...)
	select {
	case c.out <- cp:
	default:
	}
	if bytes.HasPrefix(cp, []byte("40")) {
		var auth struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(cp[2:], &auth)
		c.mu.Lock()
		c.token = auth.Token
		c.mu.Unlock()
		if c.reject != "" {
			c.send(`44{"message":"` + c.reject + `"}`)
		} else {
			c.send(`40{"sid":"ns-sid"}`)
		}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// fakeDialer hands out fakeConns. The first failFirst dials fail; a non-nil
// gate blocks each dial until it is closed.
type fakeDialer struct {
	name      string
	failFirst int32
	failAll   bool
	reject    string
	gate      chan struct{}

	dials atomic.Int32
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Name() string {
	if d.name == "" {
		return "fake"
	}
	return d.name
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	n := d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.failAll || n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.reject)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// eventually polls cond for up to two seconds.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// awaitFrame waits for the client to write frame.
func awaitFrame(c *fakeConn, frame string) bool {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.out:
			if string(got) == frame {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

// errorLog collects errors reported to the error observer.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errorLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func fastOpts(d ...Dialer) []ConnectOption {
	return []ConnectOption{
		WithTransports(d...),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithConnectTimeout(time.Second),
	}
}
