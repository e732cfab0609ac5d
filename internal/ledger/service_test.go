package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/gatemux/internal/cache"
)

// flakyStore fails CheckAndDeduct a fixed number of times before delegating.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) CheckAndDeduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient store error")
	}
	return f.MemoryStore.CheckAndDeduct(ctx, req)
}

func TestService_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5}))

	svc := NewService(store, WithRetryBudget(2, time.Millisecond))
	txn, err := svc.Deduct(ctx, DeductRequest{
		TenantID:       "t1",
		Amount:         1,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.Equal(t, 3, store.calls)
	require.Equal(t, 4.0, txn.BalanceAfter)
}

func TestService_ExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}

	svc := NewService(store, WithRetryBudget(2, time.Millisecond))
	_, err := svc.Deduct(ctx, DeductRequest{TenantID: "t1", Amount: 1, IdempotencyKey: "k1"})
	require.Error(t, err)
	require.Equal(t, 3, store.calls)
}

func TestService_NeverRetriesRejections(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}

	svc := NewService(store, WithRetryBudget(5, time.Millisecond))
	_, err := svc.Deduct(ctx, DeductRequest{TenantID: "t1", Amount: 1, IdempotencyKey: "k1"})
	require.Error(t, err)
	// Insufficient balance is deterministic; exactly one attempt.
	require.Equal(t, 1, store.calls)
}

func TestService_FillsWindowDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5}))

	svc := NewService(store)
	_, err := svc.Deduct(ctx, DeductRequest{TenantID: "t1", Amount: 1, IdempotencyKey: "k1"})
	require.NoError(t, err)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, time.Now().UTC().Format(DayKey), quota.DailyResetDate)
	require.Equal(t, time.Now().UTC().Format(MonthKey), quota.MonthlyResetDate)
}

func TestService_QuotaReadThroughCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	store := NewMemoryStore()
	svc := NewService(store, WithQuotaCache(c, time.Minute))

	require.NoError(t, svc.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 10}))

	quota, err := svc.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 10.0, quota.Balance)

	// The read populated the shared cache under the matrix's key.
	raw, err := c.Get(ctx, "ledger:quota:t1")
	require.NoError(t, err)
	require.NotNil(t, raw)

	// A commit drops the entry before returning, so the very next read sees
	// the new balance instead of the cached one.
	_, err = svc.Deduct(ctx, DeductRequest{TenantID: "t1", Amount: 4, IdempotencyKey: "k1"})
	require.NoError(t, err)

	quota, err = svc.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 6.0, quota.Balance)
}

type countingStore struct {
	*MemoryStore
	calls int
}

func (c *countingStore) CheckAndDeduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	c.calls++
	return c.MemoryStore.CheckAndDeduct(ctx, req)
}
