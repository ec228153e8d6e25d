package telemetry

// Statement & session metrics
var (
	// StatementsPreparedTotal counts statements compiled by the engine
	StatementsPreparedTotal Counter = NoopStat{}

	// BusyRetriesTotal counts transaction bodies re-run due to contention
	BusyRetriesTotal Counter = NoopStat{}

	// UnlockWaitsTotal counts unlock-notification waits entered
	UnlockWaitsTotal Counter = NoopStat{}

	// TransactionsCommittedTotal counts outermost commits
	TransactionsCommittedTotal Counter = NoopStat{}

	// TransactionsRolledBackTotal counts transaction rollbacks
	TransactionsRolledBackTotal Counter = NoopStat{}
)

func InitMetrics() {
	StatementsPreparedTotal = NewCounter(
		"statements_prepared_total", "Statements compiled by the engine")
	BusyRetriesTotal = NewCounter(
		"busy_retries_total", "Transaction bodies re-run due to contention")
	UnlockWaitsTotal = NewCounter(
		"unlock_waits_total", "Unlock-notification waits entered")
	TransactionsCommittedTotal = NewCounter(
		"transactions_committed_total", "Outermost transaction commits")
	TransactionsRolledBackTotal = NewCounter(
		"transactions_rolled_back_total", "Transaction rollbacks")
}
