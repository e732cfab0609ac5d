package ledger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore_DeductAndReplay(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5.0}))

	first, err := store.CheckAndDeduct(ctx, deductReq("t1", "trace-1", 1.5))
	require.NoError(t, err)
	require.Equal(t, 5.0, first.BalanceBefore)
	require.Equal(t, 3.5, first.BalanceAfter)
	require.Equal(t, StatusCommitted, first.Status)

	replay, err := store.CheckAndDeduct(ctx, deductReq("t1", "trace-1", 99))
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, 1.5, replay.Amount)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.InDelta(t, 3.5, quota.Balance, 1e-9)
	require.Equal(t, int64(1), quota.DailyUsed)
}

func TestRedisStore_Rejections(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{
		TenantID:       "t1",
		Balance:        10,
		DailyQuota:     1,
		DailyUsed:      1,
		DailyResetDate: "2026-08-28",
	}))

	_, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 1))
	require.Error(t, err)
	ge := err.(*gwerrors.GatewayError)
	require.Equal(t, gwerrors.TypeDailyQuotaExceeded, ge.Type)

	// State untouched by the rejection.
	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.InDelta(t, 10.0, quota.Balance, 1e-9)

	_, err = store.CheckAndDeduct(ctx, deductReq("t2", "k2", 1))
	require.Error(t, err)
	ge = err.(*gwerrors.GatewayError)
	require.Equal(t, gwerrors.TypeInsufficientBalance, ge.Type)
}

func TestRedisStore_DailyRollover(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{
		TenantID:       "t1",
		Balance:        100,
		DailyQuota:     2,
		DailyUsed:      2,
		DailyResetDate: "2026-08-27",
	}))

	txn, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 1))
	require.NoError(t, err)
	require.NotNil(t, txn)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), quota.DailyUsed)
	require.Equal(t, "2026-08-28", quota.DailyResetDate)
}

func TestRedisStore_Reverse(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.UpsertQuota(ctx, &TenantQuota{TenantID: "t1", Balance: 5}))

	_, err := store.CheckAndDeduct(ctx, deductReq("t1", "k1", 2))
	require.NoError(t, err)

	rev, err := store.Reverse(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusReversed, rev.Status)

	quota, err := store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.InDelta(t, 5.0, quota.Balance, 1e-9)

	// Second reverse is a no-op.
	_, err = store.Reverse(ctx, "k1")
	require.NoError(t, err)
	quota, err = store.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.InDelta(t, 5.0, quota.Balance, 1e-9)
}

func TestRedisStore_ReverseUnknownKey(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)

	_, err := store.Reverse(ctx, "nope")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}
