package ledger

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/blueberrycongee/gatemux/internal/metrics"
)

// Reconciler periodically compares the fast Redis mirror against the durable
// system of record and overwrites the mirror to correct drift. It replaces
// counters wholesale, so a correction can never double-apply a deduction.
type Reconciler struct {
	mirror   *RedisStore
	durable  *PostgresStore
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciliation job.
func NewReconciler(mirror *RedisStore, durable *PostgresStore, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		mirror:   mirror,
		durable:  durable,
		interval: interval,
		logger:   logger,
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ObserveLedgerPool(r.durable.PoolStats())
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce performs a single reconciliation pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	tenants, err := r.durable.ListTenants(ctx)
	if err != nil {
		r.logger.Warn("reconcile: tenant list failed", "error", err)
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		r.reconcileTenant(ctx, tenantID)
	}
}

func (r *Reconciler) reconcileTenant(ctx context.Context, tenantID string) {
	truth, err := r.durable.GetQuota(ctx, tenantID)
	if err != nil {
		r.logger.Warn("reconcile: durable read failed", "tenant", tenantID, "error", err)
		return
	}

	mirrored, err := r.mirror.GetQuota(ctx, tenantID)
	if err != nil && err != ErrQuotaNotFound {
		r.logger.Warn("reconcile: mirror read failed", "tenant", tenantID, "error", err)
		return
	}

	if mirrored != nil && !drifted(truth, mirrored) {
		return
	}

	if err := r.mirror.SyncQuota(ctx, truth); err != nil {
		r.logger.Warn("reconcile: mirror overwrite failed", "tenant", tenantID, "error", err)
		return
	}
	metrics.ReconcilerCorrections.Inc()
	if mirrored != nil {
		r.logger.Info("reconcile: corrected mirror drift",
			"tenant", tenantID,
			"mirror_balance", mirrored.Balance,
			"durable_balance", truth.Balance,
			"mirror_version", mirrored.Version,
			"durable_version", truth.Version)
	}
}

func drifted(truth, mirrored *TenantQuota) bool {
	const epsilon = 1e-9
	return math.Abs(truth.Balance-mirrored.Balance) > epsilon ||
		truth.DailyUsed != mirrored.DailyUsed ||
		truth.MonthlyUsed != mirrored.MonthlyUsed ||
		truth.Version != mirrored.Version
}
