// Package service is the composition root: it wires the push channel, the
// REST backend, the projection store and submission coordinators together.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/flagboard/internal/adapters/http/backend"
	"github.com/okian/flagboard/internal/adapters/realtime"
	"github.com/okian/flagboard/internal/adapters/repository"
	"github.com/okian/flagboard/internal/config"
	"github.com/okian/flagboard/internal/domain/dedupe"
	"github.com/okian/flagboard/internal/domain/leaderboard"
	"github.com/okian/flagboard/internal/domain/model"
	"github.com/okian/flagboard/internal/domain/submission"
	"github.com/okian/flagboard/pkg/logger"
	"github.com/okian/flagboard/pkg/metrics"
)

const refreshConcurrency = 4

// Fetcher loads one REST snapshot.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, tier string) (leaderboard.Snapshot, error)
}

// Judge is the REST side of flag submission.
type Judge interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResult, error)
	IsSolved(ctx context.Context, questionID string) (bool, error)
}

// judgeAdapter adapts Judge to submission.Backend.
type judgeAdapter struct {
	judge Judge
}

func (a *judgeAdapter) Submit(ctx context.Context, at submission.Attempt) (submission.Verdict, error) {
	res, err := a.judge.Submit(ctx, backend.SubmitRequest{
		QuestionID: at.QuestionID,
		Answer:     at.Answer,
		RequestID:  at.ID,
	})
	if err != nil {
		return submission.Verdict{}, err
	}
	return submission.Verdict{
		Correct:       res.Correct,
		Message:       res.Message,
		PointsAwarded: res.PointsAwarded,
		TotalScore:    res.TotalScore,
	}, nil
}

func (a *judgeAdapter) IsSolved(ctx context.Context, questionID string) (bool, error) {
	return a.judge.IsSolved(ctx, questionID)
}

type tierHealth struct {
	lastFetch time.Time
	lastErr   error
}

// TierStatus describes one tier for the status API.
type TierStatus struct {
	Tier        string    `json:"tier"`
	Entries     int       `json:"entries"`
	LastUpdated time.Time `json:"last_updated"`
	LastFetch   time.Time `json:"last_fetch"`
	LastError   string    `json:"last_error,omitempty"`
	Stale       bool      `json:"stale"`
}

// Status is the overall sync state.
type Status struct {
	Channel realtime.Status `json:"channel"`
	Polling bool            `json:"polling"`
	Tiers   []TierStatus    `json:"tiers"`
}

// LeaderboardView is a projection plus its staleness.
type LeaderboardView struct {
	Tier        string              `json:"tier"`
	Entries     []leaderboard.Entry `json:"entries"`
	LastUpdated time.Time           `json:"last_updated"`
	Stale       bool                `json:"stale"`
	LastError   string              `json:"last_error,omitempty"`
}

// Service keeps the configured tiers in sync.
type Service struct {
	mu sync.RWMutex

	cfg        *config.Config
	store      repository.Store
	fetcher    Fetcher
	judge      Judge
	solved     dedupe.Deduper
	manager    *realtime.Manager
	transports []realtime.Dialer
	tiers      []string

	health        map[string]*tierHealth
	channel       realtime.Status
	everConnected bool
	downSince     time.Time

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()

	now    func() time.Time
	logger logger.Logger
}

// New builds a Service from cfg. Components not overridden by options are
// constructed from the config.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	s := &Service{
		cfg:    cfg,
		health: make(map[string]*tierHealth),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}

	if s.fetcher == nil || s.judge == nil {
		client, err := backend.New(cfg.BaseURL,
			backend.WithTimeout(cfg.FetchTimeout()),
			backend.WithToken(cfg.Token),
			backend.WithTopN(cfg.TopN),
			backend.WithLogger(s.logger.Named("backend")))
		if err != nil {
			return nil, fmt.Errorf("backend client: %w", err)
		}
		if s.fetcher == nil {
			s.fetcher = client
		}
		if s.judge == nil {
			s.judge = client
		}
	}
	if s.store == nil {
		s.store = repository.NewProjectionStore(
			repository.WithTopN(cfg.TopN),
			repository.WithLogger(s.logger.Named("store")))
	}
	if s.solved == nil {
		s.solved = dedupe.Solved()
	}

	url, err := realtime.EndpointURL(cfg.SocketEndpoint(), cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("push endpoint: %w", err)
	}
	s.manager = realtime.NewManager(url,
		realtime.WithQueueSize(cfg.QueueSize),
		realtime.WithLogger(s.logger.Named("realtime")))

	for _, t := range cfg.Tiers {
		t = normalizeTier(t)
		if t != "" && !slices.Contains(s.tiers, t) {
			s.tiers = append(s.tiers, t)
		}
	}
	return s, nil
}

// Start bootstraps every tier over REST, then opens the push channel and
// the polling fallback. A failed bootstrap is logged and leaves the tier
// stale; it does not stop the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.downSince = s.now()
	s.mu.Unlock()

	s.logger.Info(ctx, "starting leaderboard sync",
		logger.Any("tiers", s.tiers),
		logger.String("base_url", s.cfg.BaseURL))

	s.subscribe()

	if err := s.Bootstrap(ctx); err != nil {
		s.logger.Warn(ctx, "bootstrap incomplete, affected tiers are stale", logger.Error(err))
	}

	s.manager.Connect(func() {
		s.logger.Info(s.ctx, "push channel ready")
	}, s.connectOptions()...)

	s.wg.Add(1)
	go s.poll(s.ctx)
	return nil
}

// Stop closes the push channel and waits for background work.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, unsubs := s.cancel, s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.manager.Disconnect()
	cancel()
	s.wg.Wait()
	s.logger.Info(context.Background(), "leaderboard sync stopped")
}

func (s *Service) connectOptions() []realtime.ConnectOption {
	transports := s.transports
	if len(transports) == 0 {
		transports = []realtime.Dialer{
			realtime.NewWebSocketDialer(s.cfg.ConnectTimeout()),
			&realtime.CoderDialer{},
		}
	}
	return []realtime.ConnectOption{
		realtime.WithTransports(transports...),
		realtime.WithTokenSource(realtime.StaticToken(s.cfg.Token)),
		realtime.WithReconnectAttempts(s.cfg.ReconnectAttempts),
		realtime.WithBackoff(s.cfg.ReconnectBaseDelay(), s.cfg.ReconnectMaxDelay()),
		realtime.WithConnectTimeout(s.cfg.ConnectTimeout()),
		realtime.WithStatusObserver(s.onChannelStatus),
		realtime.WithErrorObserver(s.onChannelError),
	}
}

func (s *Service) subscribe() {
	unsubs := make([]func(), 0, len(s.tiers)+3)
	for _, tier := range s.tiers {
		unsubs = append(unsubs, s.manager.Subscribe(model.TierEvent(tier), s.tierHandler(tier)))
	}
	unsubs = append(unsubs,
		s.manager.Subscribe(model.EventLeaderboardUpdate, s.handleLegacyUpdate),
		s.manager.Subscribe(model.EventNewSolve, s.handleAdvisory),
		s.manager.Subscribe(model.EventUserRankChange, s.handleAdvisory))

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

func (s *Service) tierHandler(tier string) realtime.Handler {
	return func(ctx context.Context, e realtime.Event) {
		s.applyPush(ctx, tier, e)
	}
}

// handleLegacyUpdate routes the untiered event by payload difficulty.
func (s *Service) handleLegacyUpdate(ctx context.Context, e realtime.Event) {
	tier := leaderboard.Difficulty(e.Payload)
	if tier == "" {
		tier = normalizeTier(s.cfg.DefaultTier)
	}
	s.applyPush(ctx, tier, e)
}

// handleAdvisory never reads data from the event; it only triggers a
// refetch of the tier it names, or of every tier.
func (s *Service) handleAdvisory(ctx context.Context, e realtime.Event) {
	tiers := s.tiers
	if t := leaderboard.Difficulty(e.Payload); t != "" {
		tiers = []string{t}
	}
	s.logger.Debug(ctx, "advisory event, refetching",
		logger.String("event", e.Name),
		logger.Any("tiers", tiers))
	err := s.goAsync(func(ctx context.Context) {
		for _, t := range tiers {
			_ = s.Refresh(ctx, t)
		}
	})
	if err != nil {
		s.logger.Debug(ctx, "advisory refetch skipped", logger.Error(err))
	}
}

func (s *Service) applyPush(ctx context.Context, tier string, e realtime.Event) {
	received := e.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	snap, err := leaderboard.Decode(e.Payload,
		leaderboard.WithTier(tier),
		leaderboard.WithTopN(s.cfg.TopN),
		leaderboard.WithSource(leaderboard.SourcePush),
		leaderboard.WithClock(func() time.Time { return received }))
	if err != nil {
		metrics.RecordSnapshotDropped(tier, "malformed")
		s.logger.Warn(ctx, "dropping malformed push snapshot",
			logger.String("tier", tier),
			logger.String("event", e.Name),
			logger.Error(err))
		return
	}
	applied, err := s.store.ApplySnapshot(ctx, snap.Tier, snap.Entries, snap.Timestamp, repository.SnapshotOptions(snap)...)
	if err != nil {
		s.logger.Warn(ctx, "push snapshot rejected", logger.String("tier", snap.Tier), logger.Error(err))
		return
	}
	if applied {
		s.logger.Debug(ctx, "push snapshot applied",
			logger.String("tier", snap.Tier),
			logger.Int("entries", len(snap.Entries)),
			logger.String("updated_user", snap.UpdatedUser))
	}
}

// Refresh fetches one tier over REST and applies it. An empty tier is the
// unscoped board; tiers the service does not track are refused with
// ErrUnknownTier. Failures mark the tier stale and keep its projection.
func (s *Service) Refresh(ctx context.Context, tier string) error {
	tier = normalizeTier(tier)
	if tier == "" {
		tier = leaderboard.TierAll
	}
	if !s.knownTier(ctx, tier) {
		return fmt.Errorf("refresh: %w: %q", ErrUnknownTier, tier)
	}

	snap, err := s.fetcher.FetchSnapshot(ctx, tier)
	s.recordFetch(tier, err)
	if err != nil {
		metrics.RecordErrorByComponent("service", "fetch")
		s.logger.Warn(ctx, "leaderboard fetch failed", logger.String("tier", tier), logger.Error(err))
		return fmt.Errorf("refresh %s: %w", tier, err)
	}
	if snap.Tier == "" {
		snap.Tier = tier
	}
	if _, err := s.store.ApplySnapshot(ctx, snap.Tier, snap.Entries, snap.Timestamp, repository.SnapshotOptions(snap)...); err != nil {
		return fmt.Errorf("refresh %s: %w", tier, err)
	}
	return nil
}

// RefreshAll refreshes every configured tier concurrently and joins the
// failures.
func (s *Service) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(refreshConcurrency)
	for _, tier := range s.tiers {
		tier := tier
		g.Go(func() error {
			if err := s.Refresh(ctx, tier); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Bootstrap performs the initial fetch of every tier.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.RefreshAll(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	return nil
}

// Leaderboard returns the current view of tier.
func (s *Service) Leaderboard(ctx context.Context, tier string) (LeaderboardView, error) {
	tier = normalizeTier(tier)
	if tier == "" {
		tier = normalizeTier(s.cfg.DefaultTier)
	}
	if !s.knownTier(ctx, tier) {
		return LeaderboardView{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	p := s.store.Projection(ctx, tier)
	st := s.tierStatus(tier, p)
	return LeaderboardView{
		Tier:        tier,
		Entries:     p.Entries,
		LastUpdated: p.LastUpdated,
		Stale:       st.Stale,
		LastError:   st.LastError,
	}, nil
}

// Status reports channel state and per-tier health.
func (s *Service) Status(ctx context.Context) Status {
	tiers := slices.Clone(s.tiers)
	for _, t := range s.store.Tiers(ctx) {
		if !slices.Contains(tiers, t) {
			tiers = append(tiers, t)
		}
	}
	out := Status{Channel: s.manager.Status(), Polling: s.polling()}
	for _, t := range tiers {
		out.Tiers = append(out.Tiers, s.tierStatus(t, s.store.Projection(ctx, t)))
	}
	return out
}

// Store exposes the projection store for read-side consumers.
func (s *Service) Store() repository.Store { return s.store }

// Tiers returns the configured tiers.
func (s *Service) Tiers() []string { return slices.Clone(s.tiers) }

// NewCoordinator builds a submission coordinator for questionID whose
// post-solve refresh targets tier ("" for the unscoped board).
func (s *Service) NewCoordinator(questionID, tier string) (*submission.Coordinator, error) {
	return submission.NewCoordinator(questionID, &judgeAdapter{judge: s.judge},
		submission.WithTier(normalizeTier(tier)),
		submission.WithRefresher(s.Refresh),
		submission.WithRefreshTimeout(s.cfg.FetchTimeout()),
		submission.WithRegistry(s.solved),
		submission.WithLogger(s.logger.Named("submission")))
}

func (s *Service) onChannelStatus(st realtime.Status) {
	s.mu.Lock()
	prev := s.channel
	s.channel = st
	repair := false
	switch {
	case st == realtime.Connected:
		repair = s.everConnected
		s.everConnected = true
	case prev == realtime.Connected:
		s.downSince = s.now()
	}
	s.mu.Unlock()

	if repair {
		err := s.goAsync(func(ctx context.Context) {
			if err := s.RefreshAll(ctx); err != nil {
				s.logger.Warn(ctx, "post-reconnect refresh incomplete", logger.Error(err))
			}
		})
		if err != nil {
			s.logger.Debug(context.Background(), "post-reconnect refresh skipped", logger.Error(err))
		}
	}
}

func (s *Service) onChannelError(err error) {
	if errors.Is(err, realtime.ErrAuthRejected) || errors.Is(err, realtime.ErrReconnectExhausted) {
		s.logger.Error(context.Background(), "push channel stopped, relying on polling", logger.Error(err))
	}
}

// polling reports whether the channel has been down for at least stale_after.
func (s *Service) polling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && s.channel != realtime.Connected && s.now().Sub(s.downSince) >= s.cfg.StaleAfter()
}

func (s *Service) poll(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.polling() {
				continue
			}
			s.logger.Debug(ctx, "push channel stale, polling")
			_ = s.RefreshAll(ctx)
		}
	}
}

// goAsync runs fn on the service context. It returns ErrNotStarted when
// the service is not running, since Stop could not wait for fn.
func (s *Service) goAsync(fn func(ctx context.Context)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
	return nil
}

func (s *Service) recordFetch(tier string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[tier]
	if h == nil {
		h = &tierHealth{}
		s.health[tier] = h
	}
	h.lastFetch = s.now()
	h.lastErr = err
}

func (s *Service) tierStatus(tier string, p leaderboard.Projection) TierStatus {
	st := TierStatus{Tier: tier, Entries: len(p.Entries), LastUpdated: p.LastUpdated}
	s.mu.RLock()
	if h := s.health[tier]; h != nil {
		st.LastFetch = h.lastFetch
		if h.lastErr != nil {
			st.LastError = h.lastErr.Error()
		}
	}
	s.mu.RUnlock()
	st.Stale = st.LastError != "" || s.polling()
	return st
}

func (s *Service) knownTier(ctx context.Context, tier string) bool {
	if tier == leaderboard.TierAll || slices.Contains(s.tiers, tier) || tier == normalizeTier(s.cfg.DefaultTier) {
		return true
	}
	return slices.Contains(s.store.Tiers(ctx), tier)
}

func normalizeTier(t string) string { return strings.ToLower(strings.TrimSpace(t)) }
