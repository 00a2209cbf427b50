// Package realtime maintains the Socket.IO push channel to the scoring
// backend and fans named events out to local subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/flagboard/internal/adapters/mq/queue"
	"github.com/okian/flagboard/internal/adapters/mq/worker"
	"github.com/okian/flagboard/internal/domain/model"
	"github.com/okian/flagboard/pkg/logger"
	"github.com/okian/flagboard/pkg/metrics"
)

const defaultQueueSize = 1024

// Event is a decoded push event.
type Event = model.Event

// Handler receives one push event. Handlers run on the manager's dispatcher
// goroutine, one at a time, in arrival order.
type Handler func(ctx context.Context, e Event)

// Manager owns at most one live push connection.
//
// Every Connect cycle gets a generation number; goroutines from an older
// cycle compare it before touching shared state, so a Disconnect followed by
// a new Connect is never overwritten by a stale run loop.
type Manager struct {
	url       string
	log       logger.Logger
	queueSize int

	mu      sync.Mutex
	status  Status
	gen     uint64
	cfg     connectConfig
	cancel  context.CancelFunc
	conn    Conn
	queue   *queue.InMemoryQueue
	pending []func()
	subs    map[string]map[uint64]Handler
	nextID  uint64
}

// NewManager creates a disconnected manager for the given websocket endpoint
// (see EndpointURL).
func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:       url,
		queueSize: defaultQueueSize,
		subs:      make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Named("realtime")
	}
	return m
}

// Connect starts a connection cycle and returns immediately. When already
// connected, onConnected runs right away; when an attempt is in flight it is
// queued for that attempt's success. Either way no new transport is created.
func (m *Manager) Connect(onConnected func(), opts ...ConnectOption) *Manager {
	m.mu.Lock()
	switch m.status {
	case Connected:
		m.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}
		return m
	case Connecting, Reconnecting:
		if onConnected != nil {
			m.pending = append(m.pending, onConnected)
		}
		m.mu.Unlock()
		return m
	}

	cfg := defaultConnectConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.transports) == 0 {
		cfg.transports = []Dialer{NewWebSocketDialer(cfg.connectTimeout)}
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewInMemoryQueue(queue.WithCapacity(m.queueSize), queue.WithOverflow(queue.EvictOldest))
	w := worker.NewInMemoryWorker(q, worker.DispatcherFunc(m.dispatch),
		worker.WithName("realtime-dispatcher"),
		worker.WithLogger(m.log.Named("dispatcher")))

	m.cfg, m.cancel, m.queue = cfg, cancel, q
	if onConnected != nil {
		m.pending = append(m.pending, onConnected)
	}
	m.status = Connecting
	m.mu.Unlock()

	m.publishStatus(ctx, cfg, Connecting)
	go w.Run(ctx)
	go m.run(ctx, gen, cfg, q)
	return m
}

// Subscribe registers h for event. The returned func removes exactly this
// registration; calling it again is a no-op.
func (m *Manager) Subscribe(event string, h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.subs[event] == nil {
		m.subs[event] = make(map[uint64]Handler)
	}
	m.subs[event][id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s := m.subs[event]; s != nil {
				delete(s, id)
				if len(s) == 0 {
					delete(m.subs, event)
				}
			}
		})
	}
}

// Disconnect closes the transport, drops every subscriber and pending
// callback and leaves the manager Disconnected. It never waits on the
// dispatcher, so handlers may call it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	cancel, conn, q, cfg, prev := m.cancel, m.conn, m.queue, m.cfg, m.status
	m.cancel, m.conn, m.queue = nil, nil, nil
	m.pending = nil
	m.subs = make(map[string]map[uint64]Handler)
	m.status = Disconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if q != nil {
		_ = q.Close()
	}
	if prev != Disconnected {
		m.publishStatus(context.Background(), cfg, Disconnected)
	}
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) run(ctx context.Context, gen uint64, cfg connectConfig, q *queue.InMemoryQueue) {
	defer func() { _ = q.Close() }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.baseDelay
	b.MaxInterval = cfg.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	failures := 0
	for {
		conn, op, err := m.dial(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordConnectFailure()
			m.report(ctx, cfg, err)
			if errors.Is(err, ErrAuthRejected) {
				m.giveUp(ctx, gen, cfg, nil)
				return
			}
			failures++
			if cfg.maxAttempts > 0 && failures >= cfg.maxAttempts {
				m.giveUp(ctx, gen, cfg, fmt.Errorf("%w: %d consecutive failures", ErrReconnectExhausted, failures))
				return
			}
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}
		failures = 0
		b.Reset()

		callbacks, ok := m.attach(gen, conn)
		if !ok {
			_ = conn.Close()
			return
		}
		m.log.Info(ctx, "push channel connected",
			logger.String("url", m.url),
			logger.String("sid", op.SID),
			logger.Duration("liveness", op.liveness()))
		m.publishStatus(ctx, cfg, Connected)
		for _, cb := range callbacks {
			m.runCallback(ctx, cb)
		}

		err = m.readLoop(ctx, conn, op, q)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.report(ctx, cfg, err)
		if errors.Is(err, ErrServerDisconnect) {
			m.giveUp(ctx, gen, cfg, nil)
			return
		}
		if !m.transition(ctx, gen, cfg, Reconnecting) {
			return
		}
		metrics.RecordReconnect()
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

// dial tries every transport in order and performs the Socket.IO handshake
// on the first one that opens.
func (m *Manager) dial(ctx context.Context, cfg connectConfig) (Conn, openPacket, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	token, err := cfg.token(actx)
	if err != nil {
		return nil, openPacket{}, fmt.Errorf("token source: %w", err)
	}

	var errs []error
	for _, d := range cfg.transports {
		metrics.RecordConnectAttempt()
		conn, err := d.Dial(actx, m.url, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		op, err := handshake(actx, conn, token)
		if err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrAuthRejected) {
				return nil, openPacket{}, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		return conn, op, nil
	}
	if len(errs) == 0 {
		return nil, openPacket{}, ErrNoTransports
	}
	return nil, openPacket{}, errors.Join(errs...)
}

func handshake(ctx context.Context, conn Conn, token string) (openPacket, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		return openPacket{}, fmt.Errorf("read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != engineOpen {
		return openPacket{}, fmt.Errorf("%w: expected open packet, got %q", ErrProtocol, clip(msg))
	}
	var op openPacket
	if err := json.Unmarshal(msg[1:], &op); err != nil {
		return openPacket{}, fmt.Errorf("%w: open packet: %w", ErrProtocol, err)
	}

	if err := conn.WriteMessage(encodeConnect(token)); err != nil {
		return openPacket{}, fmt.Errorf("send connect packet: %w", err)
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return openPacket{}, fmt.Errorf("await connect ack: %w", err)
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case enginePing:
			if err := conn.WriteMessage([]byte{enginePong}); err != nil {
				return openPacket{}, fmt.Errorf("send pong: %w", err)
			}
		case engineClose:
			return openPacket{}, fmt.Errorf("%w: closed during handshake", ErrTransportLost)
		case engineMessage:
			p, err := parseSocketPacket(msg[1:])
			if err != nil {
				return openPacket{}, err
			}
			if p.Namespace != defaultNamespace {
				continue
			}
			switch p.Type {
			case socketConnect:
				return op, nil
			case socketConnectError:
				return openPacket{}, fmt.Errorf("%w: %s", ErrAuthRejected, connectErrorMessage(p.Data))
			}
		}
	}
}

// readLoop pumps frames until the transport fails or the server leaves. It
// answers pings itself; events go to the queue and never block the loop.
func (m *Manager) readLoop(ctx context.Context, conn Conn, op openPacket, q *queue.InMemoryQueue) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	liveness := op.liveness()
	var seq uint64
	for {
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransportLost, err)
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case enginePing:
			if err := conn.WriteMessage([]byte{enginePong}); err != nil {
				return fmt.Errorf("%w: pong: %w", ErrTransportLost, err)
			}
		case engineClose:
			return fmt.Errorf("%w: server closed transport", ErrTransportLost)
		case engineNoop, engineUpgrade:
			// polling-transport leftovers; meaningless on websocket
		case engineMessage:
			p, err := parseSocketPacket(msg[1:])
			if err != nil {
				metrics.RecordEventDropped("malformed")
				m.log.Warn(ctx, "dropping malformed packet", logger.Error(err))
				continue
			}
			if p.Namespace != defaultNamespace {
				continue
			}
			switch p.Type {
			case socketEvent:
				name, payload, err := decodeEvent(p.Data)
				if err != nil {
					metrics.RecordEventDropped("malformed")
					m.log.Warn(ctx, "dropping malformed event", logger.Error(err))
					continue
				}
				seq++
				metrics.RecordEventReceived(name)
				if !q.Enqueue(ctx, Event{Name: name, Payload: payload, ReceivedAt: time.Now(), Seq: seq}) {
					m.log.Warn(ctx, "event not queued", logger.String("event", name), logger.Int("seq", int(seq)))
				}
			case socketAck:
				// no emit here ever asks for an ack
				m.log.Debug(ctx, "ignoring unsolicited ack", logger.String("ack_id", p.AckID))
			case socketDisconnect:
				return ErrServerDisconnect
			case socketConnectError:
				return fmt.Errorf("%w: %s", ErrServerDisconnect, connectErrorMessage(p.Data))
			}
		}
	}
}

// dispatch delivers e to the subscribers registered for its name. Handlers
// removed while earlier ones run are skipped; a panicking handler does not
// stop the others.
func (m *Manager) dispatch(ctx context.Context, e Event) error { //nolint:gocritic // hugeParam
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.subs[e.Name]))
	for id := range m.subs[e.Name] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		m.mu.Lock()
		h, ok := m.subs[e.Name][id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := callHandler(ctx, h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callHandler(ctx context.Context, h Handler, e Event) (err error) { //nolint:gocritic // hugeParam
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %q panicked: %v", e.Name, r)
		}
	}()
	h(ctx, e)
	return nil
}

func (m *Manager) runCallback(ctx context.Context, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "onConnected callback panicked", logger.Any("panic", r))
		}
	}()
	cb()
}

// attach publishes conn as the live connection if gen is still current and
// hands back the callbacks waiting for this connect.
func (m *Manager) attach(gen uint64, conn Conn) ([]func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return nil, false
	}
	m.conn = conn
	m.status = Connected
	cbs := m.pending
	m.pending = nil
	return cbs, true
}

// transition moves to st if gen is still current, dropping the live conn.
func (m *Manager) transition(ctx context.Context, gen uint64, cfg connectConfig, st Status) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.status = st
	m.mu.Unlock()
	m.publishStatus(ctx, cfg, st)
	return true
}

// giveUp ends the cycle: the manager goes Disconnected and queued callbacks
// are discarded. Subscribers stay registered for a later Connect.
func (m *Manager) giveUp(ctx context.Context, gen uint64, cfg connectConfig, err error) {
	m.mu.Lock()
	if m.gen == gen {
		m.pending = nil
	}
	m.mu.Unlock()
	if !m.transition(ctx, gen, cfg, Disconnected) {
		return
	}
	if err != nil {
		m.report(ctx, cfg, err)
	}
}

func (m *Manager) publishStatus(ctx context.Context, cfg connectConfig, st Status) {
	metrics.UpdateChannelStatus(int(st))
	m.log.Debug(ctx, "push channel status", logger.String("status", st.String()))
	if cfg.onStatus != nil {
		cfg.onStatus(st)
	}
}

func (m *Manager) report(ctx context.Context, cfg connectConfig, err error) {
	kind := "transport"
	switch {
	case errors.Is(err, ErrAuthRejected):
		kind = "auth_rejected"
	case errors.Is(err, ErrReconnectExhausted):
		kind = "reconnect_exhausted"
	case errors.Is(err, ErrServerDisconnect):
		kind = "server_disconnect"
	case errors.Is(err, ErrProtocol):
		kind = "protocol"
	}
	metrics.RecordErrorByComponent("realtime", kind)
	m.log.Warn(ctx, "push channel error", logger.String("kind", kind), logger.Error(err))
	if cfg.onError != nil {
		cfg.onError(err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func clip(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
