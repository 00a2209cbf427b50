package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/flagboard/internal/domain/leaderboard"
)

func at(sec int) time.Time { return time.Unix(int64(sec), 0) }

func entries(pairs ...any) []leaderboard.Entry {
	out := make([]leaderboard.Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, leaderboard.Entry{
			Rank:     len(out) + 1,
			TeamName: pairs[i].(string),
			Points:   int64(pairs[i+1].(int)),
		})
	}
	return out
}

func TestProjectionStore_EmptyOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()

	if n := store.Count(ctx); n != 0 {
		t.Fatalf("expected 0 tiers, got %d", n)
	}
	p := store.Projection(ctx, "Beginner")
	if p.Tier != "beginner" || len(p.Entries) != 0 || !p.LastUpdated.IsZero() {
		t.Fatalf("unexpected initial projection: %+v", p)
	}
	for _, tier := range []string{"beginner", "x1", "x2", "x3"} {
		_ = store.Projection(ctx, tier)
	}
	if n := store.Count(ctx); n != 0 {
		t.Fatalf("reads must not track tiers, got %v", store.Tiers(ctx))
	}

	_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 1), at(1))
	if tiers := store.Tiers(ctx); len(tiers) != 1 || tiers[0] != "beginner" {
		t.Fatalf("tier should be tracked after its first snapshot, got %v", tiers)
	}
}

func TestProjectionStore_TimestampGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("older snapshot is dropped", func(t *testing.T) {
		store := NewProjectionStore()
		a := entries("a", 50)
		b := entries("a", 60)

		if ok, err := store.ApplySnapshot(ctx, "beginner", a, at(5)); !ok || err != nil {
			t.Fatalf("A(t=5) should apply: ok=%v err=%v", ok, err)
		}
		ok, err := store.ApplySnapshot(ctx, "beginner", b, at(3))
		if ok || err != nil {
			t.Fatalf("B(t=3) should be dropped silently: ok=%v err=%v", ok, err)
		}
		p := store.Projection(ctx, "beginner")
		if p.Entries[0].Points != 50 || !p.LastUpdated.Equal(at(5)) {
			t.Fatalf("projection should still be A, got %+v", p)
		}
	})

	t.Run("newer snapshot replaces", func(t *testing.T) {
		store := NewProjectionStore()
		_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 50), at(5))
		ok, err := store.ApplySnapshot(ctx, "beginner", entries("c", 70, "a", 55), at(7))
		if !ok || err != nil {
			t.Fatalf("C(t=7) should apply: ok=%v err=%v", ok, err)
		}
		p := store.Projection(ctx, "beginner")
		if len(p.Entries) != 2 || p.Entries[0].TeamName != "c" || !p.LastUpdated.Equal(at(7)) {
			t.Fatalf("projection should be C, got %+v", p)
		}
	})

	t.Run("equal timestamp is accepted and idempotent", func(t *testing.T) {
		store := NewProjectionStore()
		snap := entries("a", 10, "b", 5)
		for i := 0; i < 2; i++ {
			if ok, err := store.ApplySnapshot(ctx, "beginner", snap, at(5)); !ok || err != nil {
				t.Fatalf("apply #%d failed: ok=%v err=%v", i, ok, err)
			}
		}
		if p := store.Projection(ctx, "beginner"); len(p.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %+v", p.Entries)
		}
	})

	t.Run("tiers are independent", func(t *testing.T) {
		store := NewProjectionStore()
		_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 1), at(9))
		if ok, _ := store.ApplySnapshot(ctx, "advanced", entries("z", 1), at(1)); !ok {
			t.Fatal("an older timestamp on another tier must still apply")
		}
	})
}

func TestProjectionStore_SkewedClocks(t *testing.T) {
	ctx := context.Background()
	local := at(1000)

	t.Run("local fetch after a push from a server clock running ahead", func(t *testing.T) {
		store := NewProjectionStore()
		_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 100, "b", 90), local.Add(5*time.Second))

		ok, err := store.ApplySnapshot(ctx, "beginner", entries("b", 110, "a", 100), local.Add(time.Second),
			ServerClock(false), Authoritative(true), FromSource(leaderboard.SourceREST))
		if !ok || err != nil {
			t.Fatalf("locally stamped fetch must not be ordered against the server clock: ok=%v err=%v", ok, err)
		}
		p := store.Projection(ctx, "beginner")
		if p.Entries[0].TeamName != "b" || p.Entries[0].Points != 110 {
			t.Fatalf("expected b first with 110, got %+v", p.Entries)
		}
	})

	t.Run("push after a local fetch from a server clock running behind", func(t *testing.T) {
		store := NewProjectionStore()
		_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 100), local,
			ServerClock(false), Authoritative(true))

		if ok, err := store.ApplySnapshot(ctx, "beginner", entries("a", 120), local.Add(-time.Hour)); !ok || err != nil {
			t.Fatalf("server stamped push must apply: ok=%v err=%v", ok, err)
		}
		if ok, _ := store.ApplySnapshot(ctx, "beginner", entries("a", 130), local.Add(-2*time.Hour)); ok {
			t.Fatal("an older server stamp must still be dropped")
		}
		if ok, _ := store.ApplySnapshot(ctx, "beginner", entries("a", 140), local.Add(-time.Second), ServerClock(false)); ok {
			t.Fatal("an older local stamp must still be dropped")
		}
		if p := store.Projection(ctx, "beginner"); p.Entries[0].Points != 120 {
			t.Fatalf("expected the server push to stand, got %+v", p.Entries)
		}
	})
}

func TestProjectionStore_PointsRegression(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()
	_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 100, "b", 90), at(1))

	ok, err := store.ApplySnapshot(ctx, "beginner", entries("a", 80, "b", 90), at(2))
	if ok || !errors.Is(err, ErrPointsRegression) {
		t.Fatalf("expected ErrPointsRegression, got ok=%v err=%v", ok, err)
	}
	if p := store.Projection(ctx, "beginner"); p.Entries[0].Points != 100 {
		t.Fatalf("projection must be unchanged, got %+v", p.Entries)
	}

	ok, err = store.ApplySnapshot(ctx, "beginner", entries("a", 80, "b", 90), at(2),
		Authoritative(true), FromSource(leaderboard.SourceREST))
	if !ok || err != nil {
		t.Fatalf("authoritative snapshot should apply: ok=%v err=%v", ok, err)
	}
	if p := store.Projection(ctx, "beginner"); p.Entries[0].Points != 80 {
		t.Fatalf("authoritative correction not applied, got %+v", p.Entries)
	}
}

func TestProjectionStore_Invariants(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore(WithTopN(2))
	in := []leaderboard.Entry{
		{Rank: 3, TeamName: "c", Points: 1},
		{Rank: 1, TeamName: "a", Points: 3},
		{Rank: 2, TeamName: "a", Points: 2},
		{Rank: 2, TeamName: "b", Points: 2},
	}
	if _, err := store.ApplySnapshot(ctx, "beginner", in, at(1)); err != nil {
		t.Fatal(err)
	}
	p := store.Projection(ctx, "beginner")
	if len(p.Entries) != 2 || p.Entries[0].TeamName != "a" || p.Entries[1].TeamName != "b" {
		t.Fatalf("expected [a b], got %+v", p.Entries)
	}
	if in[0].TeamName != "c" {
		t.Fatal("caller slice must not be reordered")
	}

	p.Entries[0].Points = 999
	if store.Projection(ctx, "beginner").Entries[0].Points != 3 {
		t.Fatal("Projection must return a copy")
	}

	if _, err := store.ApplySnapshot(ctx, "  ", nil, at(1)); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestProjectionStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()

	var got1, got2 []leaderboard.Projection
	unsub1 := store.Subscribe("beginner", func(p leaderboard.Projection) { got1 = append(got1, p) })
	_ = store.Subscribe("beginner", func(p leaderboard.Projection) { got2 = append(got2, p) })
	_ = store.Subscribe("advanced", func(leaderboard.Projection) { t.Error("wrong tier notified") })

	_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 1), at(1))
	unsub1()
	unsub1()
	_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 2), at(2))
	_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", 3), at(0)) // stale, no callback

	if len(got1) != 1 {
		t.Fatalf("unsubscribed callback should have fired once, got %d", len(got1))
	}
	if len(got2) != 2 || got2[1].Entries[0].Points != 2 {
		t.Fatalf("remaining subscriber should see both applies, got %+v", got2)
	}
}

func TestProjectionStore_SubscriberPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()
	called := false
	store.Subscribe("beginner", func(leaderboard.Projection) { panic("boom") })
	store.Subscribe("beginner", func(leaderboard.Projection) { called = true })

	if ok, err := store.ApplySnapshot(ctx, "beginner", entries("a", 1), at(1)); !ok || err != nil {
		t.Fatalf("apply failed: ok=%v err=%v", ok, err)
	}
	if !called {
		t.Fatal("second subscriber should still run after the first panics")
	}
}

func TestProjectionStore_ConcurrentApply(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(ts int) {
			defer wg.Done()
			_, _ = store.ApplySnapshot(ctx, "beginner", entries("a", ts), at(ts))
			_ = store.Projection(ctx, "beginner")
		}(i)
	}
	wg.Wait()

	p := store.Projection(ctx, "beginner")
	if !p.LastUpdated.Equal(at(50)) || p.Entries[0].Points != 50 {
		t.Fatalf("latest timestamp must win regardless of arrival order, got %+v", p)
	}
}
