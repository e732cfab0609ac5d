package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// RedisStore is the fast-path ledger mirror. All deduction checks and the
// commit run inside one Lua script, so concurrent callers for the same tenant
// serialize on the Redis side.
type RedisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
	txnTTL    time.Duration

	deductScript  *goredis.Script
	reverseScript *goredis.Script
}

// RedisStoreOption configures RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default: "gatemux:ledger").
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithTransactionTTL sets how long committed transactions are retained for
// replay detection (default: 30 days).
func WithTransactionTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.txnTTL = ttl }
}

// NewRedisStore creates a Redis-backed ledger store.
func NewRedisStore(client goredis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	store := &RedisStore{
		client:    client,
		keyPrefix: "gatemux:ledger",
		txnTTL:    30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(store)
	}

	store.deductScript = goredis.NewScript(checkAndDeductScript)
	store.reverseScript = goredis.NewScript(reverseScript)
	return store
}

// Key layout uses a per-tenant hash tag so the quota hash and its transaction
// rows land on the same cluster slot.

func (s *RedisStore) quotaKey(tenantID string) string {
	return fmt.Sprintf("%s:{%s}:quota", s.keyPrefix, tenantID)
}

func (s *RedisStore) txnKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("%s:{%s}:txn:%s", s.keyPrefix, tenantID, idempotencyKey)
}

// txnIndexKey maps an idempotency key to its tenant for cross-tenant lookup.
func (s *RedisStore) txnIndexKey(idempotencyKey string) string {
	return fmt.Sprintf("%s:txnindex:%s", s.keyPrefix, idempotencyKey)
}

// CheckAndDeduct applies the deduction exactly once per idempotency key.
func (s *RedisStore) CheckAndDeduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	keys := []string{
		s.quotaKey(req.TenantID),
		s.txnKey(req.TenantID, req.IdempotencyKey),
	}
	args := []any{
		req.Amount,
		req.DailyRequests,
		req.MonthlyRequests,
		req.Today,
		req.Month,
		boolToInt(req.AllowNegative),
		uuid.NewString(),
		req.TenantID,
		req.IdempotencyKey,
		req.PromptTokens,
		req.CompletionTokens,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(s.txnTTL.Seconds()),
	}

	result, err := s.deductScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger deduct script: %w", err)
	}

	slice, ok := result.([]interface{})
	if !ok || len(slice) == 0 {
		return nil, fmt.Errorf("ledger deduct script: unexpected result %T", result)
	}

	status, _ := slice[0].(string)
	switch status {
	case "ok", "replay":
		txn, err := decodeTransaction(slice)
		if err != nil {
			return nil, err
		}
		if status == "ok" {
			// Index the key so GetTransaction can find the tenant slot.
			_ = s.client.Set(ctx, s.txnIndexKey(req.IdempotencyKey), req.TenantID, s.txnTTL).Err()
		}
		return txn, nil
	case "insufficient_balance":
		return nil, gwerrors.NewInsufficientBalanceError(req.TenantID, "insufficient balance")
	case "daily_quota_exceeded":
		return nil, gwerrors.NewDailyQuotaError(req.TenantID, "daily quota exceeded")
	case "monthly_quota_exceeded":
		return nil, gwerrors.NewMonthlyQuotaError(req.TenantID, "monthly quota exceeded")
	default:
		return nil, fmt.Errorf("ledger deduct script: unknown status %q", status)
	}
}

// GetTransaction looks up a transaction by idempotency key.
func (s *RedisStore) GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	tenantID, err := s.client.Get(ctx, s.txnIndexKey(idempotencyKey)).Result()
	if err == goredis.Nil {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger txn index: %w", err)
	}

	raw, err := s.client.Get(ctx, s.txnKey(tenantID, idempotencyKey)).Bytes()
	if err == goredis.Nil {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger txn get: %w", err)
	}

	var txn Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("ledger txn decode: %w", err)
	}
	return &txn, nil
}

// GetQuota returns the current quota row for a tenant.
func (s *RedisStore) GetQuota(ctx context.Context, tenantID string) (*TenantQuota, error) {
	h, err := s.client.HGetAll(ctx, s.quotaKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger quota get: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrQuotaNotFound
	}

	return &TenantQuota{
		TenantID:         tenantID,
		Balance:          parseFloat(h["balance"]),
		CreditLimit:      parseFloat(h["credit_limit"]),
		DailyQuota:       parseInt(h["daily_quota"]),
		DailyUsed:        parseInt(h["daily_used"]),
		DailyResetDate:   h["daily_reset_date"],
		MonthlyQuota:     parseInt(h["monthly_quota"]),
		MonthlyUsed:      parseInt(h["monthly_used"]),
		MonthlyResetDate: h["monthly_reset_date"],
		Version:          parseInt(h["version"]),
	}, nil
}

// UpsertQuota overwrites a tenant quota row, bumping its version.
func (s *RedisStore) UpsertQuota(ctx context.Context, quota *TenantQuota) error {
	return s.writeQuota(ctx, quota, quota.Version+1)
}

// SyncQuota overwrites the mirror from the system of record, keeping the
// durable row's version. Used by the reconciler; never double-applies
// deductions because it replaces counters wholesale.
func (s *RedisStore) SyncQuota(ctx context.Context, quota *TenantQuota) error {
	return s.writeQuota(ctx, quota, quota.Version)
}

func (s *RedisStore) writeQuota(ctx context.Context, quota *TenantQuota, version int64) error {
	err := s.client.HSet(ctx, s.quotaKey(quota.TenantID),
		"tenant_id", quota.TenantID,
		"balance", quota.Balance,
		"credit_limit", quota.CreditLimit,
		"daily_quota", quota.DailyQuota,
		"daily_used", quota.DailyUsed,
		"daily_reset_date", quota.DailyResetDate,
		"monthly_quota", quota.MonthlyQuota,
		"monthly_used", quota.MonthlyUsed,
		"monthly_reset_date", quota.MonthlyResetDate,
		"version", version,
	).Err()
	if err != nil {
		return fmt.Errorf("ledger quota write: %w", err)
	}
	return nil
}

// Reverse marks a committed transaction reversed and credits the amount back.
func (s *RedisStore) Reverse(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	tenantID, err := s.client.Get(ctx, s.txnIndexKey(idempotencyKey)).Result()
	if err == goredis.Nil {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger txn index: %w", err)
	}

	keys := []string{
		s.txnKey(tenantID, idempotencyKey),
		s.quotaKey(tenantID),
	}
	result, err := s.reverseScript.Run(ctx, s.client, keys).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger reverse script: %w", err)
	}

	slice, ok := result.([]interface{})
	if !ok || len(slice) == 0 {
		return nil, fmt.Errorf("ledger reverse script: unexpected result %T", result)
	}
	status, _ := slice[0].(string)
	if status == "not_found" {
		return nil, ErrTransactionNotFound
	}
	return decodeTransaction(slice)
}

// Close releases nothing; the Redis client is shared.
func (s *RedisStore) Close() error { return nil }

func decodeTransaction(slice []interface{}) (*Transaction, error) {
	if len(slice) < 2 {
		return nil, fmt.Errorf("ledger script: missing transaction payload")
	}
	raw, ok := slice[1].(string)
	if !ok {
		return nil, fmt.Errorf("ledger script: transaction payload is %T", slice[1])
	}
	var txn Transaction
	if err := json.Unmarshal([]byte(raw), &txn); err != nil {
		return nil, fmt.Errorf("ledger txn decode: %w", err)
	}
	return &txn, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func parseInt(v string) int64 {
	i, _ := strconv.ParseInt(v, 10, 64)
	return i
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
