package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gwcache "github.com/blueberrycongee/gatemux/internal/cache"
	pkgcache "github.com/blueberrycongee/gatemux/pkg/cache"
	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// Service fronts the ledger store with the billing-step policy: bounded
// retries on transient store errors, never on rejections, plus write-behind
// persistence and cache invalidation on quota-affecting commits.
type Service struct {
	primary     Store
	durable     *PostgresStore
	invalidator *gwcache.Invalidator
	quotaCache  pkgcache.Cache
	quotaTTL    time.Duration
	logger      *slog.Logger
	retryBudget int
	retryDelay  time.Duration
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithDurable attaches the system-of-record store for write-behind.
func WithDurable(durable *PostgresStore) ServiceOption {
	return func(s *Service) { s.durable = durable }
}

// WithInvalidator wires quota-affecting commits into the cache invalidator.
func WithInvalidator(inv *gwcache.Invalidator) ServiceOption {
	return func(s *Service) { s.invalidator = inv }
}

// WithQuotaCache adds a read-through cache in front of GetQuota. Entries live
// under ledger:quota:{tenant_id}, the keys the invalidation matrix deletes on
// quota-affecting mutations; commits also drop the entry synchronously so a
// read right after a deduction sees the new balance.
func WithQuotaCache(c pkgcache.Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.quotaCache = c
		s.quotaTTL = ttl
	}
}

// WithRetryBudget bounds retries of the atomic deduction on transient errors.
func WithRetryBudget(budget int, delay time.Duration) ServiceOption {
	return func(s *Service) {
		s.retryBudget = budget
		s.retryDelay = delay
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a ledger service over the given primary store.
func NewService(primary Store, opts ...ServiceOption) *Service {
	s := &Service{
		primary:     primary,
		logger:      slog.Default(),
		retryBudget: 2,
		retryDelay:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deduct applies one billing deduction. The deduction itself is idempotent,
// so retrying after a transient store error cannot double-charge: a retry
// that lands after a half-visible commit replays the original transaction.
func (s *Service) Deduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	if req.Today == "" {
		req.Today = time.Now().UTC().Format(DayKey)
	}
	if req.Month == "" {
		req.Month = time.Now().UTC().Format(MonthKey)
	}

	var txn *Transaction
	var err error
	for attempt := 0; ; attempt++ {
		txn, err = s.primary.CheckAndDeduct(ctx, req)
		if err == nil {
			break
		}
		// Billing rejections are deterministic business errors: never retried.
		if gwerrors.IsBillingRejection(err) {
			return nil, err
		}
		if attempt >= s.retryBudget || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("ledger deduct retry", "tenant", req.TenantID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}

	s.afterCommit(txn)
	return txn, nil
}

// Reverse credits a committed transaction back, e.g. when a client disconnect
// is detected after deduction but before the response was delivered.
func (s *Service) Reverse(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	txn, err := s.primary.Reverse(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		return nil, err
	}
	s.afterCommit(txn)
	return txn, nil
}

// UpsertQuota creates or replaces a tenant quota row, e.g. on account top-up.
// The system of record is written first; the primary (mirror) follows, and the
// tenant's cached quota entries are invalidated.
func (s *Service) UpsertQuota(ctx context.Context, quota *TenantQuota) error {
	if s.durable != nil {
		if err := s.durable.UpsertQuota(ctx, quota); err != nil {
			return err
		}
	}
	if err := s.primary.UpsertQuota(ctx, quota); err != nil {
		return err
	}
	s.dropQuotaCache(ctx, quota.TenantID)
	if s.invalidator != nil {
		s.invalidator.InvalidateAsync(gwcache.Event{
			Name:    gwcache.EventTenantQuotaUpdated,
			Payload: map[string]string{"tenant_id": quota.TenantID},
		})
	}
	return nil
}

// GetQuota reads the tenant quota, serving from the quota cache when one is
// configured and falling through to the primary store on a miss.
func (s *Service) GetQuota(ctx context.Context, tenantID string) (*TenantQuota, error) {
	jc, cached := s.quotaCache.(pkgcache.JSONCache)
	if cached {
		var quota TenantQuota
		found, err := jc.GetJSON(ctx, quotaKey(tenantID), &quota)
		if err != nil {
			s.logger.Warn("quota cache read failed", "tenant", tenantID, "error", err)
		} else if found {
			return &quota, nil
		}
	}

	quota, err := s.primary.GetQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cached {
		if err := jc.SetJSON(ctx, quotaKey(tenantID), quota, s.quotaTTL); err != nil {
			s.logger.Warn("quota cache write failed", "tenant", tenantID, "error", err)
		}
	}
	return quota, nil
}

func quotaKey(tenantID string) string {
	return "ledger:quota:" + tenantID
}

// dropQuotaCache removes the tenant's cached quota entry immediately, ahead
// of the asynchronous matrix invalidation.
func (s *Service) dropQuotaCache(ctx context.Context, tenantID string) {
	if s.quotaCache == nil {
		return
	}
	if err := s.quotaCache.Delete(ctx, quotaKey(tenantID)); err != nil {
		s.logger.Warn("quota cache drop failed", "tenant", tenantID, "error", err)
	}
}

// afterCommit runs the quota-affecting side effects: the quota cache drop,
// write-behind persistence, and matrix invalidation. The drop is synchronous
// so the caller's next read sees the committed balance; the rest are
// fire-and-forget with bounded lifetimes.
func (s *Service) afterCommit(txn *Transaction) {
	if s.quotaCache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.dropQuotaCache(ctx, txn.TenantID)
		cancel()
	}
	if s.durable != nil {
		go func(txn Transaction) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.durable.ApplyTransaction(ctx, &txn); err != nil {
				s.logger.Warn("ledger write-behind failed", "tenant", txn.TenantID, "txn", txn.ID, "error", err)
			}
		}(*txn)
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateAsync(gwcache.Event{
			Name:    gwcache.EventTenantQuotaUpdated,
			Payload: map[string]string{"tenant_id": txn.TenantID},
		})
	}
}
