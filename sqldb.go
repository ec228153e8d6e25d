// Package sqldb sits directly atop an embedded SQLite engine and provides
// four tightly coupled abstractions: Session (one connection with its
// statement cache, progress callback and transaction stack), Statement and
// Row (prepared-statement lifecycle with typed binding and row iteration),
// Transaction (nested transactions with automatic retry on contention and
// commit/rollback hook queues) and IDSet (an in-memory ordered set of
// 64-bit keys exposed to SQL as an updatable virtual table).
//
// Statements executed repeatedly should be interned once with
// RegisterStatement and executed through Session.ExecID, which compiles
// them per session on first use:
//
//	var getPhone = sqldb.RegisterStatement(
//		"SELECT phone FROM offices WHERE city = ?")
//
//	res, err := session.ExecID(getPhone, "London")
//	if err != nil {
//		return err
//	}
//	defer res.Close()
//	for row := res.Row(); !row.Empty(); row, err = res.Next() {
//		...
//	}
//
// A Session and everything it owns must be driven from one goroutine at a
// time; Session.Interrupt is the only method safe to call concurrently.
// Distinct Sessions on the same database file are independent, and
// contention between them surfaces as BusyError, which Begin absorbs by
// re-running the transaction body.
package sqldb
