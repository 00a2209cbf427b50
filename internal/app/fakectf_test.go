package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	cws "github.com/coder/websocket"

	service "github.com/okian/flagboard/internal/app"
	"github.com/okian/flagboard/internal/config"
	"github.com/okian/flagboard/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

type row struct {
	Team   string `json:"team_name"`
	Points int64  `json:"points"`
}

// fakeCTF serves the backend REST API and a Socket.IO endpoint.
type fakeCTF struct {
	mu          sync.Mutex
	boards      map[string][]row
	stamps      map[string]int64
	fetches     map[string]int
	failTiers   map[string]bool
	flag        string
	onCorrect   func(f *fakeCTF)
	submissions int
	refuseWS    bool

	conn   *cws.Conn
	connCh chan struct{}
	srv    *httptest.Server
}

func newFakeCTF() *fakeCTF {
	f := &fakeCTF{
		boards:    map[string][]row{},
		stamps:    map[string]int64{},
		fetches:   map[string]int{},
		failTiers: map[string]bool{},
		connCh:    make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/leaderboard", f.leaderboard)
	mux.HandleFunc("/submission", f.submit)
	mux.HandleFunc("/submission/is-solved", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"isSolved":false}}`))
	})
	mux.HandleFunc("/socket.io/", f.socket)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeCTF) close() { f.srv.Close() }

func (f *fakeCTF) setBoard(tier string, ts int64, rows ...row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards[tier] = rows
	f.stamps[tier] = ts
}

func (f *fakeCTF) setFail(tier string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTiers[tier] = fail
}

func (f *fakeCTF) fetchCount(tier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[tier]
}

func (f *fakeCTF) leaderboard(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("difficulty")
	if tier == "" {
		tier = "all"
	}
	f.mu.Lock()
	f.fetches[tier]++
	fail := f.failTiers[tier]
	body, _ := json.Marshal(map[string]any{"data": f.boards[tier], "timestamp": f.stamps[tier]})
	f.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

func (f *fakeCTF) submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"submitted_answer"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.submissions++
	correct := req.Answer == f.flag
	onCorrect := f.onCorrect
	f.mu.Unlock()
	if !correct {
		_, _ = w.Write([]byte(`{"success":false,"isCorrect":false,"message":"Wrong flag"}`))
		return
	}
	if onCorrect != nil {
		onCorrect(f)
	}
	_, _ = w.Write([]byte(`{"success":true,"isCorrect":true,"message":"Correct!","pointsAwarded":20,"totalScore":110}`))
}

func (f *fakeCTF) socket(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	refuse := f.refuseWS
	f.mu.Unlock()
	if refuse {
		http.Error(w, "no websocket", http.StatusServiceUnavailable)
		return
	}
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if conn.Write(ctx, cws.MessageText, []byte(`0{"sid":"s","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`)) != nil {
		return
	}
	if _, msg, err := conn.Read(ctx); err != nil || !strings.HasPrefix(string(msg), "40") {
		return
	}
	if conn.Write(ctx, cws.MessageText, []byte(`40{"sid":"ns"}`)) != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connCh <- struct{}{}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// emit pushes one event on the current socket connection.
func (f *fakeCTF) emit(event string, payload any) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no socket connection")
	}
	body, err := json.Marshal([]any{event, payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return conn.Write(ctx, cws.MessageText, append([]byte("42"), body...))
}

// dropSocket closes the current socket from the server side.
func (f *fakeCTF) dropSocket() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (f *fakeCTF) awaitSocket() bool {
	select {
	case <-f.connCh:
		return true
	case <-time.After(3 * time.Second):
		return false
	}
}

func testConfig(baseURL string) *config.Config {
	cfg := config.New()
	cfg.BaseURL = baseURL
	cfg.Tiers = []string{"beginner", "advanced"}
	cfg.DefaultTier = "beginner"
	cfg.ReconnectBaseDelayMS = 10
	cfg.ReconnectMaxDelayMS = 50
	cfg.PollIntervalMS = 20
	cfg.StaleAfterMS = 60_000
	cfg.ConnectTimeoutMS = 2000
	cfg.FetchTimeoutMS = 2000
	return cfg
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func startService(cfg *config.Config, opts ...service.Option) *service.Service {
	svc, err := service.New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	_ = svc.Start(context.Background())
	return svc
}
