package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

func deductReq(tenant, key string, amount float64) DeductRequest {
	return DeductRequest{
		TenantID:        tenant,
		Amount:          amount,
		IdempotencyKey:  key,
		DailyRequests:   1,
		MonthlyRequests: 1,
		Today:           "2026-08-28",
		Month:           "2026-08",
	}
}

func TestMemoryStore_DeductAndReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5.0}))

	first, err := store.CheckAndDeduct(ctx, deductReq("t1", "trace-1", 1.5))
	require.NoError(t, err)
	require.Equal(t, 5.0, first.BalanceBefore)
	require.Equal(t, 3.5, first.BalanceAfter)
	require.Equal(t, StatusCommitted, first.Status)

	// Replaying the same key, even with a different amount, returns the
	// original transaction and leaves the ledger untouched.
	replay, err := store.CheckAndDeduct(ctx, deductReq("t1", "trace-1", 99))
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, 1.5, replay.Amount)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 3.5, quota.Balance)
	require.Equal(t, int64(1), quota.DailyUsed)
}

func TestMemoryStore_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 1.0}))

	_, err := store.CheckAndDeduct(ctx, deductReq("t1", "trace-1", 2.0))
	require.Error(t, err)
	require.True(t, gwerrors.IsBillingRejection(err))

	ge, ok := err.(*gwerrors.GatewayError)
	require.True(t, ok)
	require.Equal(t, gwerrors.TypeInsufficientBalance, ge.Type)

	// Rejections never mutate state.
	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1.0, quota.Balance)
	require.Zero(t, quota.DailyUsed)
}

func TestMemoryStore_CreditLimitAndAllowNegative(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 1.0, CreditLimit: 2.0}))

	// balance + credit_limit covers it.
	txn, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 2.5))
	require.NoError(t, err)
	require.InDelta(t, -1.5, txn.BalanceAfter, 1e-9)

	// Past the credit limit without allow_negative.
	_, err = store.CheckAndDeduct(ctx, deductReq("t1", "k2", 5.0))
	require.Error(t, err)

	req := deductReq("t1", "k3", 5.0)
	req.AllowNegative = true
	_, err = store.CheckAndDeduct(ctx, req)
	require.NoError(t, err)
}

func TestMemoryStore_DailyQuotaRollover(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{
		TenantID:       "t1",
		Balance:        100,
		DailyQuota:     2,
		DailyUsed:      2,
		DailyResetDate: "2026-08-27",
	}))

	// Stale-day usage must not reject a request in the new window.
	txn, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 1))
	require.NoError(t, err)
	require.NotNil(t, txn)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), quota.DailyUsed)
	require.Equal(t, "2026-08-28", quota.DailyResetDate)

	// Second request of the day fits, third exceeds.
	_, err = store.CheckAndDeduct(ctx, deductReq("t1", "k2", 1))
	require.NoError(t, err)
	_, err = store.CheckAndDeduct(ctx, deductReq("t1", "k3", 1))
	require.Error(t, err)
	ge := err.(*gwerrors.GatewayError)
	require.Equal(t, gwerrors.TypeDailyQuotaExceeded, ge.Type)
}

func TestMemoryStore_MonthlyQuota(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{
		TenantID:         "t1",
		Balance:          100,
		MonthlyQuota:     1,
		MonthlyUsed:      1,
		MonthlyResetDate: "2026-08",
	}))

	_, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 1))
	require.Error(t, err)
	ge := err.(*gwerrors.GatewayError)
	require.Equal(t, gwerrors.TypeMonthlyQuota, ge.Type)
}

func TestMemoryStore_Reverse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5}))

	_, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 2))
	require.NoError(t, err)

	rev, err := store.Reverse(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusReversed, rev.Status)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 5.0, quota.Balance)

	// Reversing twice credits only once.
	_, err = store.Reverse(ctx, "k1")
	require.NoError(t, err)
	quota, err = store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 5.0, quota.Balance)
}

func TestMemoryStore_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 100}))

	const workers = 32
	var wg sync.WaitGroup
	txns := make([]*Transaction, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := store.CheckAndDeduct(ctx, deductReq("t1", "same-key", 1))
			require.NoError(t, err)
			txns[i] = txn
		}(i)
	}
	wg.Wait()

	for _, txn := range txns[1:] {
		require.Equal(t, txns[0].ID, txn.ID)
	}
	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 99.0, quota.Balance)
}
