package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/flagboard/internal/domain/leaderboard"
	"github.com/okian/flagboard/pkg/logger"
	"github.com/okian/flagboard/pkg/metrics"
)

// ProjectionStore is the in-memory Store implementation.
//
// Each tier publishes an immutable projection through an atomic pointer so
// reads never wait on writers. Writes are serialized by applyMu, which is
// also held while subscribers run: callbacks observe projections in apply
// order and must not call ApplySnapshot themselves.
type ProjectionStore struct {
	applyMu sync.Mutex

	mu    sync.RWMutex
	tiers map[string]*tierState

	subMu  sync.Mutex
	subs   map[string]map[uint64]func(leaderboard.Projection)
	nextID uint64

	topN int
	log  logger.Logger
}

type tierState struct {
	current atomic.Pointer[leaderboard.Projection]

	// Latest applied stamp per clock, guarded by applyMu. Server stamps and
	// local receive times are never compared with each other.
	serverTS time.Time
	localTS  time.Time
}

var _ Store = (*ProjectionStore)(nil)

// NewProjectionStore creates an empty store.
func NewProjectionStore(opts ...Option) *ProjectionStore {
	s := &ProjectionStore{
		tiers: make(map[string]*tierState),
		subs:  make(map[string]map[uint64]func(leaderboard.Projection)),
		topN:  leaderboard.DefaultTopN,
		log:   logger.Named("projection-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

// state returns the tier state, creating an empty projection on first access.
func (s *ProjectionStore) state(tier string) *tierState {
	s.mu.RLock()
	st, ok := s.tiers[tier]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.tiers[tier]; ok {
		return st
	}
	st = &tierState{}
	st.current.Store(&leaderboard.Projection{Tier: tier, Entries: []leaderboard.Entry{}})
	s.tiers[tier] = st
	return st
}

func (s *ProjectionStore) ApplySnapshot(ctx context.Context, tier string, entries []leaderboard.Entry, ts time.Time, opts ...ApplyOption) (bool, error) {
	tier = normalizeTier(tier)
	if tier == "" {
		return false, fmt.Errorf("apply snapshot: %w", ErrInvalidTier)
	}
	o := applyOptions{source: leaderboard.SourcePush, serverClock: true}
	for _, opt := range opts {
		opt(&o)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	st := s.state(tier)
	cur := st.current.Load()

	last := st.localTS
	if o.serverClock {
		last = st.serverTS
	}
	if ts.Before(last) {
		metrics.RecordSnapshotDropped(tier, "stale")
		s.log.Debug(ctx, "dropping out-of-order snapshot",
			logger.String("tier", tier),
			logger.String("source", string(o.source)),
			logger.Bool("server_clock", o.serverClock),
			logger.Any("snapshot_ts", ts),
			logger.Any("last_applied", last))
		return false, nil
	}

	next := leaderboard.Canonical(entries, s.topN)
	if !o.authoritative {
		if err := checkRegression(cur, next); err != nil {
			metrics.RecordSnapshotDropped(tier, "regression")
			s.log.Warn(ctx, "dropping snapshot that lowers points",
				logger.String("tier", tier),
				logger.String("source", string(o.source)),
				logger.Error(err))
			return false, err
		}
	}

	proj := &leaderboard.Projection{Tier: tier, Entries: next, LastUpdated: ts}
	st.current.Store(proj)
	if o.serverClock {
		st.serverTS = ts
	} else {
		st.localTS = ts
	}

	metrics.RecordSnapshotApplied(tier, string(o.source))
	metrics.UpdateProjectionEntries(tier, len(next))

	s.notify(tier, *proj)
	return true, nil
}

// checkRegression reports the first team present in both projections whose
// points would go down.
func checkRegression(cur *leaderboard.Projection, next []leaderboard.Entry) error {
	if len(cur.Entries) == 0 {
		return nil
	}
	prev := make(map[string]int64, len(cur.Entries))
	for _, e := range cur.Entries {
		prev[e.TeamName] = e.Points
	}
	for _, e := range next {
		if old, ok := prev[e.TeamName]; ok && e.Points < old {
			return fmt.Errorf("%w: team %q %d -> %d", ErrPointsRegression, e.TeamName, old, e.Points)
		}
	}
	return nil
}

func (s *ProjectionStore) Projection(_ context.Context, tier string) leaderboard.Projection {
	tier = normalizeTier(tier)
	if tier == "" {
		return leaderboard.Projection{Entries: []leaderboard.Entry{}}
	}
	s.mu.RLock()
	st, ok := s.tiers[tier]
	s.mu.RUnlock()
	if !ok {
		return leaderboard.Projection{Tier: tier, Entries: []leaderboard.Entry{}}
	}
	return st.current.Load().Clone()
}

func (s *ProjectionStore) Subscribe(tier string, fn func(leaderboard.Projection)) func() {
	tier = normalizeTier(tier)
	if fn == nil {
		return func() {}
	}

	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[tier] == nil {
		s.subs[tier] = make(map[uint64]func(leaderboard.Projection))
	}
	s.subs[tier][id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[tier], id)
			if len(s.subs[tier]) == 0 {
				delete(s.subs, tier)
			}
		})
	}
}

func (s *ProjectionStore) notify(tier string, proj leaderboard.Projection) {
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs[tier]))
	for id := range s.subs[tier] {
		ids = append(ids, id)
	}
	s.subMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		// Skip subscribers removed by an earlier callback in this round.
		s.subMu.Lock()
		fn, ok := s.subs[tier][id]
		s.subMu.Unlock()
		if !ok {
			continue
		}
		s.safeCall(tier, fn, proj.Clone())
	}
}

func (s *ProjectionStore) safeCall(tier string, fn func(leaderboard.Projection), p leaderboard.Projection) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("projection-store", "subscriber_panic")
			s.log.Error(context.Background(), "projection subscriber panicked",
				logger.String("tier", tier),
				logger.Error(errors.New(fmt.Sprint(r))))
		}
	}()
	fn(p)
}

func (s *ProjectionStore) Tiers(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tiers))
	for t := range s.tiers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *ProjectionStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiers)
}
