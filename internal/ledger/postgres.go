package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	gwerrors "github.com/blueberrycongee/gatemux/pkg/errors"
)

// PostgresStore is the durable system-of-record ledger. The fast Redis mirror
// serves the hot path; this store backs reconciliation and survives cache loss.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger postgres ping: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// PoolStats exposes the connection pool state for metrics.
func (s *PostgresStore) PoolStats() sql.DBStats {
	return s.db.Stats()
}

// Bootstrap creates the ledger tables when they do not exist yet.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id          TEXT PRIMARY KEY,
	balance            DOUBLE PRECISION NOT NULL DEFAULT 0,
	credit_limit       DOUBLE PRECISION NOT NULL DEFAULT 0,
	daily_quota        BIGINT NOT NULL DEFAULT 0,
	daily_used         BIGINT NOT NULL DEFAULT 0,
	daily_reset_date   TEXT NOT NULL DEFAULT '',
	monthly_quota      BIGINT NOT NULL DEFAULT 0,
	monthly_used       BIGINT NOT NULL DEFAULT 0,
	monthly_reset_date TEXT NOT NULL DEFAULT '',
	version            BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL UNIQUE,
	amount            DOUBLE PRECISION NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	balance_before    DOUBLE PRECISION NOT NULL,
	balance_after     DOUBLE PRECISION NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_transactions_tenant ON ledger_transactions (tenant_id, created_at);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger postgres bootstrap: %w", err)
	}
	return nil
}

// CheckAndDeduct runs the full deduction protocol inside one transaction with
// the tenant row locked, giving the same exactly-once semantics as the Redis
// fast path.
func (s *PostgresStore) CheckAndDeduct(ctx context.Context, req DeductRequest) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Replay check under the same transaction.
	if txn, err := s.getTransactionTx(ctx, tx, req.IdempotencyKey); err == nil {
		return txn, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	// First tenant activity creates the row; the ON CONFLICT no-op keeps an
	// existing row untouched before we lock it.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_quotas (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
		req.TenantID); err != nil {
		return nil, fmt.Errorf("ledger quota insert: %w", err)
	}

	var q TenantQuota
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, balance, credit_limit, daily_quota, daily_used, daily_reset_date,
		        monthly_quota, monthly_used, monthly_reset_date, version
		   FROM tenant_quotas WHERE tenant_id = $1 FOR UPDATE`,
		req.TenantID).Scan(
		&q.TenantID, &q.Balance, &q.CreditLimit, &q.DailyQuota, &q.DailyUsed, &q.DailyResetDate,
		&q.MonthlyQuota, &q.MonthlyUsed, &q.MonthlyResetDate, &q.Version)
	if err != nil {
		return nil, fmt.Errorf("ledger quota lock: %w", err)
	}

	dailyUsed := q.DailyUsed
	if q.DailyResetDate != req.Today {
		dailyUsed = 0
	}
	monthlyUsed := q.MonthlyUsed
	if q.MonthlyResetDate != req.Month {
		monthlyUsed = 0
	}

	if !req.AllowNegative && q.Balance+q.CreditLimit < req.Amount {
		return nil, gwerrors.NewInsufficientBalanceError(req.TenantID, "insufficient balance")
	}
	if q.DailyQuota > 0 && dailyUsed+req.DailyRequests > q.DailyQuota {
		return nil, gwerrors.NewDailyQuotaError(req.TenantID, "daily quota exceeded")
	}
	if q.MonthlyQuota > 0 && monthlyUsed+req.MonthlyRequests > q.MonthlyQuota {
		return nil, gwerrors.NewMonthlyQuotaError(req.TenantID, "monthly quota exceeded")
	}

	balanceBefore := q.Balance
	balanceAfter := q.Balance - req.Amount

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_quotas
		    SET balance = $2, daily_used = $3, daily_reset_date = $4,
		        monthly_used = $5, monthly_reset_date = $6, version = version + 1
		  WHERE tenant_id = $1`,
		req.TenantID, balanceAfter, dailyUsed+req.DailyRequests, req.Today,
		monthlyUsed+req.MonthlyRequests, req.Month); err != nil {
		return nil, fmt.Errorf("ledger quota update: %w", err)
	}

	txn := &Transaction{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		BalanceBefore:    balanceBefore,
		BalanceAfter:     balanceAfter,
		Status:           StatusCommitted,
		CreatedAt:        time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions
		        (id, tenant_id, idempotency_key, amount, prompt_tokens, completion_tokens,
		         balance_before, balance_after, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.TenantID, txn.IdempotencyKey, txn.Amount, txn.PromptTokens, txn.CompletionTokens,
		txn.BalanceBefore, txn.BalanceAfter, txn.Status, txn.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// A concurrent duplicate won the race; surface its transaction.
			_ = tx.Rollback()
			return s.GetTransaction(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("ledger txn insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger commit: %w", err)
	}
	return txn, nil
}

// GetTransaction looks up a transaction by idempotency key.
func (s *PostgresStore) GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	return s.getTransactionRow(ctx, s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, idempotency_key, amount, prompt_tokens, completion_tokens,
		        balance_before, balance_after, status, created_at
		   FROM ledger_transactions WHERE idempotency_key = $1`, idempotencyKey))
}

func (s *PostgresStore) getTransactionTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*Transaction, error) {
	return s.getTransactionRow(ctx, tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, idempotency_key, amount, prompt_tokens, completion_tokens,
		        balance_before, balance_after, status, created_at
		   FROM ledger_transactions WHERE idempotency_key = $1`, idempotencyKey))
}

func (s *PostgresStore) getTransactionRow(_ context.Context, row *sql.Row) (*Transaction, error) {
	var txn Transaction
	err := row.Scan(&txn.ID, &txn.TenantID, &txn.IdempotencyKey, &txn.Amount,
		&txn.PromptTokens, &txn.CompletionTokens, &txn.BalanceBefore, &txn.BalanceAfter,
		&txn.Status, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger txn scan: %w", err)
	}
	return &txn, nil
}

// GetQuota returns the current quota row for a tenant.
func (s *PostgresStore) GetQuota(ctx context.Context, tenantID string) (*TenantQuota, error) {
	var q TenantQuota
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, balance, credit_limit, daily_quota, daily_used, daily_reset_date,
		        monthly_quota, monthly_used, monthly_reset_date, version
		   FROM tenant_quotas WHERE tenant_id = $1`, tenantID).Scan(
		&q.TenantID, &q.Balance, &q.CreditLimit, &q.DailyQuota, &q.DailyUsed, &q.DailyResetDate,
		&q.MonthlyQuota, &q.MonthlyUsed, &q.MonthlyResetDate, &q.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger quota scan: %w", err)
	}
	return &q, nil
}

// UpsertQuota creates or replaces a tenant quota row.
func (s *PostgresStore) UpsertQuota(ctx context.Context, quota *TenantQuota) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_quotas
		        (tenant_id, balance, credit_limit, daily_quota, daily_used, daily_reset_date,
		         monthly_quota, monthly_used, monthly_reset_date, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		        balance = EXCLUDED.balance,
		        credit_limit = EXCLUDED.credit_limit,
		        daily_quota = EXCLUDED.daily_quota,
		        daily_used = EXCLUDED.daily_used,
		        daily_reset_date = EXCLUDED.daily_reset_date,
		        monthly_quota = EXCLUDED.monthly_quota,
		        monthly_used = EXCLUDED.monthly_used,
		        monthly_reset_date = EXCLUDED.monthly_reset_date,
		        version = tenant_quotas.version + 1`,
		quota.TenantID, quota.Balance, quota.CreditLimit, quota.DailyQuota, quota.DailyUsed,
		quota.DailyResetDate, quota.MonthlyQuota, quota.MonthlyUsed, quota.MonthlyResetDate)
	if err != nil {
		return fmt.Errorf("ledger quota upsert: %w", err)
	}
	return nil
}

// Reverse marks a committed transaction reversed and credits the amount back.
func (s *PostgresStore) Reverse(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txn, err := s.getTransactionTx(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusReversed {
		return txn, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_transactions SET status = $2 WHERE idempotency_key = $1`,
		idempotencyKey, StatusReversed); err != nil {
		return nil, fmt.Errorf("ledger txn reverse: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_quotas SET balance = balance + $2, version = version + 1 WHERE tenant_id = $1`,
		txn.TenantID, txn.Amount); err != nil {
		return nil, fmt.Errorf("ledger quota credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger commit: %w", err)
	}
	txn.Status = StatusReversed
	return txn, nil
}

// ApplyTransaction persists a transaction committed on the fast path and
// replays its effect onto the durable quota row. The unique idempotency key
// makes the apply exactly-once: a duplicate insert affects zero rows and the
// quota update is skipped, so a deduction is never double-applied.
func (s *PostgresStore) ApplyTransaction(ctx context.Context, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions
		        (id, tenant_id, idempotency_key, amount, prompt_tokens, completion_tokens,
		         balance_before, balance_after, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		txn.ID, txn.TenantID, txn.IdempotencyKey, txn.Amount, txn.PromptTokens, txn.CompletionTokens,
		txn.BalanceBefore, txn.BalanceAfter, txn.Status, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger txn record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger txn record: %w", err)
	}
	if inserted == 0 {
		// Row already durable. A reversal of a previously recorded commit
		// still needs its credit applied, exactly once.
		if txn.Status == StatusReversed {
			res, err := tx.ExecContext(ctx,
				`UPDATE ledger_transactions SET status = $2
				  WHERE idempotency_key = $1 AND status = $3`,
				txn.IdempotencyKey, StatusReversed, StatusCommitted)
			if err != nil {
				return fmt.Errorf("ledger txn reverse record: %w", err)
			}
			if flipped, _ := res.RowsAffected(); flipped == 1 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE tenant_quotas SET balance = balance + $2, version = version + 1
					  WHERE tenant_id = $1`,
					txn.TenantID, txn.Amount); err != nil {
					return fmt.Errorf("ledger quota credit: %w", err)
				}
			}
		}
		return tx.Commit()
	}
	if txn.Status == StatusReversed {
		// A reversal recorded before the commit reached the durable store:
		// the insert carried the reversed row, so no balance effect remains.
		return tx.Commit()
	}

	today := txn.CreatedAt.UTC().Format(DayKey)
	month := txn.CreatedAt.UTC().Format(MonthKey)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_quotas (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
		txn.TenantID); err != nil {
		return fmt.Errorf("ledger quota insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_quotas SET
		        balance = balance - $2,
		        daily_used = CASE WHEN daily_reset_date = $3 THEN daily_used + 1 ELSE 1 END,
		        daily_reset_date = $3,
		        monthly_used = CASE WHEN monthly_reset_date = $4 THEN monthly_used + 1 ELSE 1 END,
		        monthly_reset_date = $4,
		        version = version + 1
		  WHERE tenant_id = $1`,
		txn.TenantID, txn.Amount, today, month); err != nil {
		return fmt.Errorf("ledger quota apply: %w", err)
	}

	return tx.Commit()
}

// ListTenants returns every tenant with a quota row, for reconciliation.
func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenant_quotas`)
	if err != nil {
		return nil, fmt.Errorf("ledger tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger tenant scan: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
