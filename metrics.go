package sqldb

import "github.com/sdig/sqldb/telemetry"

func statementsPrepared(n int) {
	telemetry.StatementsPreparedTotal.Add(float64(n))
}

func busyRetries(n int) {
	telemetry.BusyRetriesTotal.Add(float64(n))
}

func unlockWaits(n int) {
	telemetry.UnlockWaitsTotal.Add(float64(n))
}

func transactionsCommitted(n int) {
	telemetry.TransactionsCommittedTotal.Add(float64(n))
}

func transactionsRolledBack(n int) {
	telemetry.TransactionsRolledBackTotal.Add(float64(n))
}
