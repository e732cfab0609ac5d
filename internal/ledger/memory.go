package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// MemoryStore keeps the ledger in process memory. It is the canonical
// reference for CheckAndDeduct semantics, used in tests and as the degraded
// fallback when no durable backend is configured.
type MemoryStore struct {
	mu           sync.Mutex
	quotas       map[string]*TenantQuota
	transactions map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas:       make(map[string]*TenantQuota),
		transactions: make(map[string]*Transaction),
	}
}

// CheckAndDeduct applies the deduction exactly once per idempotency key.
func (s *MemoryStore) CheckAndDeduct(_ context.Context, req DeductRequest) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// (1) Replay: return the original transaction unchanged.
	if txn, ok := s.transactions[req.IdempotencyKey]; ok {
		cp := *txn
		return &cp, nil
	}

	quota, ok := s.quotas[req.TenantID]
	if !ok {
		// First tenant activity creates the row.
		quota = &TenantQuota{TenantID: req.TenantID}
		s.quotas[req.TenantID] = quota
	}

	// (3) Roll counters for a new day/month. Computed locally; persisted only
	// on a successful commit so rejections never mutate state.
	dailyUsed := quota.DailyUsed
	if quota.DailyResetDate != req.Today {
		dailyUsed = 0
	}
	monthlyUsed := quota.MonthlyUsed
	if quota.MonthlyResetDate != req.Month {
		monthlyUsed = 0
	}

	// (2) Effective balance check.
	if !req.AllowNegative && quota.Balance+quota.CreditLimit < req.Amount {
		return nil, gwerrors.NewInsufficientBalanceError(req.TenantID, "insufficient balance")
	}

	// (4) Quota checks against the rolled counters.
	if quota.DailyQuota > 0 && dailyUsed+req.DailyRequests > quota.DailyQuota {
		return nil, gwerrors.NewDailyQuotaError(req.TenantID, "daily quota exceeded")
	}
	if quota.MonthlyQuota > 0 && monthlyUsed+req.MonthlyRequests > quota.MonthlyQuota {
		return nil, gwerrors.NewMonthlyQuotaError(req.TenantID, "monthly quota exceeded")
	}

	// (5) Commit.
	balanceBefore := quota.Balance
	quota.Balance -= req.Amount
	quota.DailyUsed = dailyUsed + req.DailyRequests
	quota.DailyResetDate = req.Today
	quota.MonthlyUsed = monthlyUsed + req.MonthlyRequests
	quota.MonthlyResetDate = req.Month
	quota.Version++

	txn := &Transaction{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		BalanceBefore:    balanceBefore,
		BalanceAfter:     quota.Balance,
		Status:           StatusCommitted,
		CreatedAt:        time.Now().UTC(),
	}
	s.transactions[req.IdempotencyKey] = txn

	cp := *txn
	return &cp, nil
}

// GetTransaction looks up a transaction by idempotency key.
func (s *MemoryStore) GetTransaction(_ context.Context, idempotencyKey string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[idempotencyKey]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

// GetQuota returns the current quota row for a tenant.
func (s *MemoryStore) GetQuota(_ context.Context, tenantID string) (*TenantQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[tenantID]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	cp := *quota
	return &cp, nil
}

// UpsertQuota creates or replaces a tenant quota row.
func (s *MemoryStore) UpsertQuota(_ context.Context, quota *TenantQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *quota
	cp.Version++
	s.quotas[quota.TenantID] = &cp
	return nil
}

// Reverse marks a committed transaction reversed and credits the amount back.
func (s *MemoryStore) Reverse(_ context.Context, idempotencyKey string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[idempotencyKey]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status == StatusReversed {
		cp := *txn
		return &cp, nil
	}

	txn.Status = StatusReversed
	if quota, ok := s.quotas[txn.TenantID]; ok {
		quota.Balance += txn.Amount
		quota.Version++
	}
	cp := *txn
	return &cp, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
