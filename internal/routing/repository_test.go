package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	intcache "github.com/blueberrycongee/gatemux/internal/cache"
)

func TestRepository_LazyStateAndFeedback(t *testing.T) {
	ctx := context.Background()
	c := intcache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	repo := NewRepository(c, NewMemoryStateStore(), nil)

	cand := chatCandidate("c1", 1, 1, StrategyThompson)
	require.Nil(t, repo.GetState(ctx, "c1"))

	repo.RecordFeedback(ctx, cand, Feedback{Success: true})
	repo.RecordFeedback(ctx, cand, Feedback{Success: false})

	st := repo.GetState(ctx, "c1")
	require.NotNil(t, st)
	require.Equal(t, int64(2), st.TotalTrials)
	require.Equal(t, int64(1), st.Successes)
	require.Equal(t, int64(1), st.Failures)
	require.Equal(t, 0.5, st.SuccessRate())
	require.Equal(t, 1.0, st.Alpha)
	require.Equal(t, 1.0, st.Beta)
}

func TestRepository_CooldownExclusionAndReinclusion(t *testing.T) {
	ctx := context.Background()
	c := intcache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo := NewRepository(c, NewMemoryStateStore(), nil,
		WithCooldown(3, 60*time.Second),
		withClock(clock))

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	loader := NewLoader(CandidateSourceFunc(func() []*Candidate { return []*Candidate{cand} }), repo)
	loader.now = clock

	in := SelectionInput{Capability: "chat", Model: "gpt-4o", Channel: ChannelInternal}
	require.Len(t, loader.Load(ctx, in), 1)

	// Three consecutive failures trip the cooldown.
	for i := 0; i < 3; i++ {
		repo.RecordFeedback(ctx, cand, Feedback{Success: false})
	}
	st := repo.GetState(ctx, "c1")
	require.True(t, st.CooledDown(now))
	require.Zero(t, st.ConsecutiveFailures)
	require.Empty(t, loader.Load(ctx, in))

	// Re-included after cooldown_seconds elapses.
	now = now.Add(61 * time.Second)
	require.Len(t, loader.Load(ctx, in), 1)
}

func TestRepository_SuccessResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	c := intcache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	repo := NewRepository(c, NewMemoryStateStore(), nil, WithCooldown(3, time.Minute))

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	repo.RecordFeedback(ctx, cand, Feedback{Success: false})
	repo.RecordFeedback(ctx, cand, Feedback{Success: false})
	repo.RecordFeedback(ctx, cand, Feedback{Success: true})
	repo.RecordFeedback(ctx, cand, Feedback{Success: false})

	st := repo.GetState(ctx, "c1")
	require.False(t, st.CooledDown(time.Now()))
	require.Equal(t, int64(1), st.ConsecutiveFailures)
}

func TestRepository_StaleCacheDiscardedOnVersionBump(t *testing.T) {
	ctx := context.Background()
	c := intcache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	inv := intcache.NewInvalidator(c, nil)
	durable := NewMemoryStateStore()
	repo := NewRepository(c, durable, inv)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	repo.RecordFeedback(ctx, cand, Feedback{Success: true})
	require.NotNil(t, repo.GetState(ctx, "c1"))

	// Mutate the durable store behind the cache, then bump the version: the
	// cached entry must be treated as a miss and refreshed.
	st, err := durable.GetState(ctx, "c1")
	require.NoError(t, err)
	st.Successes = 42
	require.NoError(t, durable.PutState(ctx, st))

	inv.BumpConfigVersion(ctx)
	got := repo.GetState(ctx, "c1")
	require.NotNil(t, got)
	require.Equal(t, int64(42), got.Successes)
}
