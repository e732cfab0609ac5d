// Package ledger provides the atomic billing/quota ledger. Every paid request
// flows through CheckAndDeduct, which must apply exactly once per idempotency
// key regardless of retries or concurrent duplicate submissions.
package ledger

import (
	"context"
	"errors"
	"time"
)

// DayKey and MonthKey are the layouts used for quota reset bookkeeping.
const (
	DayKey   = "2006-01-02"
	MonthKey = "2006-01"
)

// TransactionStatus tracks the lifecycle of a billing event.
// Transitions are monotonic: pending -> committed or pending -> reversed.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCommitted TransactionStatus = "committed"
	StatusReversed  TransactionStatus = "reversed"
)

// TenantQuota is the durable per-tenant counter row.
// effective balance = Balance + CreditLimit; Version increments on every
// successful write (optimistic concurrency).
type TenantQuota struct {
	TenantID         string  `json:"tenant_id"`
	Balance          float64 `json:"balance"`
	CreditLimit      float64 `json:"credit_limit"`
	DailyQuota       int64   `json:"daily_quota"`   // 0 = unlimited
	DailyUsed        int64   `json:"daily_used"`
	DailyResetDate   string  `json:"daily_reset_date"`
	MonthlyQuota     int64   `json:"monthly_quota"` // 0 = unlimited
	MonthlyUsed      int64   `json:"monthly_used"`
	MonthlyResetDate string  `json:"monthly_reset_date"`
	Version          int64   `json:"version"`
}

// Transaction is the immutable record of one billing event, keyed by the
// request trace id. A repeated deduct with the same key returns the original
// transaction unchanged.
type Transaction struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	IdempotencyKey   string            `json:"idempotency_key"`
	Amount           float64           `json:"amount"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	BalanceBefore    float64           `json:"balance_before"`
	BalanceAfter     float64           `json:"balance_after"`
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DeductRequest carries everything CheckAndDeduct needs for one deduction.
type DeductRequest struct {
	TenantID         string
	Amount           float64
	IdempotencyKey   string
	PromptTokens     int
	CompletionTokens int
	// DailyRequests/MonthlyRequests are the request counts this call adds to
	// the rolled counters, normally 1.
	DailyRequests   int64
	MonthlyRequests int64
	// Today and Month identify the current quota windows (DayKey/MonthKey
	// layouts). Stored counters whose reset keys differ are rolled to zero
	// before the quota checks.
	Today string
	Month string
	// AllowNegative skips the effective-balance check for tenants permitted
	// to run a deficit.
	AllowNegative bool
}

// ErrTransactionNotFound is returned when no transaction exists for a key.
var ErrTransactionNotFound = errors.New("ledger: transaction not found")

// ErrQuotaNotFound is returned when a tenant has no quota row yet.
var ErrQuotaNotFound = errors.New("ledger: tenant quota not found")

// Store is the durable counter store behind the ledger. CheckAndDeduct is
// atomic with respect to concurrent callers for the same tenant: all checks
// and the write happen in a single round trip against the backend.
type Store interface {
	// CheckAndDeduct applies the deduction exactly once per idempotency key.
	// On success it returns the committed transaction. On a failed check it
	// returns a typed billing rejection from pkg/errors without mutating
	// state. A replay returns the originally committed transaction.
	CheckAndDeduct(ctx context.Context, req DeductRequest) (*Transaction, error)

	// GetTransaction looks up a transaction by idempotency key.
	GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error)

	// GetQuota returns the current quota row for a tenant.
	GetQuota(ctx context.Context, tenantID string) (*TenantQuota, error)

	// UpsertQuota creates or replaces a tenant quota row.
	UpsertQuota(ctx context.Context, quota *TenantQuota) error

	// Reverse marks a committed transaction reversed and credits the amount
	// back. Reversal of an already-reversed transaction is a no-op.
	Reverse(ctx context.Context, idempotencyKey string) (*Transaction, error)

	// Close releases backend resources.
	Close() error
}
