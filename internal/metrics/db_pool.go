package metrics

import "database/sql"

// ObserveLedgerPool records the durable ledger store's connection pool state.
// Sampled on each reconciler tick, so the gauge tracks steady-state load.
func ObserveLedgerPool(stats sql.DBStats) {
	DBConnectionPoolSize.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBConnectionPoolSize.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnectionPoolSize.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnectionPoolSize.WithLabelValues("max_open").Set(float64(stats.MaxOpenConnections))
}
