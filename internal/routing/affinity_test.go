package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	intcache "github.com/blueberrycongee/gatemux/internal/cache"
)

func newTestAffinity(t *testing.T, now *time.Time) *AffinityManager {
	t.Helper()
	c := intcache.NewMemory(time.Hour)
	t.Cleanup(func() { _ = c.Close() })

	return NewAffinityManager(c,
		WithExploreThreshold(3),
		WithFailureThreshold(2),
		WithLockDuration(10*time.Minute),
		withAffinityClock(func() time.Time { return *now }))
}

func TestAffinity_LifecycleToLocked(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestAffinity(t, &now)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)

	use, _, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.False(t, use)

	// explore_threshold=3: the third record_request locks.
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	use, _, _ = m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.False(t, use)

	m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	use, provider, itemID := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)
	require.Equal(t, "prov-c1", provider)
	require.Equal(t, "c1", itemID)
}

func TestAffinity_FailuresBreakLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestAffinity(t, &now)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	for i := 0; i < 3; i++ {
		m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	}
	use, _, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)

	// One failure is tolerated while locked.
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, false)
	use, _, _ = m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)

	// failure_threshold=2 consecutive failures clear the lock.
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, false)
	use, provider, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.False(t, use)
	require.Empty(t, provider)
}

func TestAffinity_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestAffinity(t, &now)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	for i := 0; i < 3; i++ {
		m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	}

	m.RecordRequest(ctx, "s1", "gpt-4o", cand, false)
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, false)

	// Never two consecutive failures, so the lock holds.
	use, _, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)
}

func TestAffinity_LockExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestAffinity(t, &now)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	for i := 0; i < 3; i++ {
		m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	}
	use, _, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)

	now = now.Add(11 * time.Minute)
	use, _, _ = m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.False(t, use)

	// The next record on the expired lock drops back to exploring.
	m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	use, _, _ = m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.False(t, use)
}

func TestAffinity_PerSessionModelIsolation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestAffinity(t, &now)

	cand := chatCandidate("c1", 1, 1, StrategyWeight)
	for i := 0; i < 3; i++ {
		m.RecordRequest(ctx, "s1", "gpt-4o", cand, true)
	}

	use, _, _ := m.ShouldUseAffinity(ctx, "s1", "gpt-4o")
	require.True(t, use)
	use, _, _ = m.ShouldUseAffinity(ctx, "s2", "gpt-4o")
	require.False(t, use)
	use, _, _ = m.ShouldUseAffinity(ctx, "s1", "claude-3-haiku")
	require.False(t, use)
}
