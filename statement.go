package sqldb

import (
	"strings"

	"zombiezen.com/go/sqlite"
)

// Statement is a compiled SQL statement owned by a Session.
//
// A Statement may be reset any number of times (cancelling iteration while
// preserving bindings) and finalized exactly once. It is active while the
// engine has produced at least one row and more may follow.
//
// A Statement must only be used from the goroutine driving its Session.
type Statement struct {
	inner  *sqlite.Stmt
	sess   *Session
	sql    string
	active bool

	// blob buffers bound with destructors, by parameter index
	boundBlobs map[int]blobKey
}

// NewStatement returns an unprepared Statement.
func NewStatement() *Statement { return &Statement{} }

// PrepareNew compiles sql against s and returns the resulting Statement.
func PrepareNew(s *Session, sql string) (*Statement, error) {
	st := NewStatement()
	if err := st.Prepare(s, sql); err != nil {
		return nil, err
	}
	return st, nil
}

// Prepare compiles the first statement out of sql. Any previously compiled
// handle is finalized first.
func (st *Statement) Prepare(s *Session, sql string) error {
	_, err := st.PrepareTail(s, sql)
	return err
}

// PrepareTail compiles the first statement out of sql and returns the
// remainder, left-trimmed, for chained parsing.
//
// When the engine reports the database as locked, the call waits on the
// session's unlock notification; if that wait detects a possible deadlock
// a BusyError is returned.
func (st *Statement) PrepareTail(s *Session, sql string) (string, error) {
	if err := st.Finalize(); err != nil {
		return "", err
	}
	if s == nil || !s.IsOpen() {
		return "", ErrClosed
	}
	st.sess = s

	for {
		stmt, trailing, err := s.conn.PrepareTransient(sql)
		if err == nil {
			st.inner = stmt
			st.sql = trimStatementText(sql, trailing)
			s.noteStatus(sqlite.ResultOK, "")
			statementsPrepared(1)
			return strings.TrimLeft(sql[len(sql)-trailing:], " \t\r\n"), nil
		}

		code := sqlite.ErrCode(err)
		s.noteStatus(code, err.Error())
		switch code.ToPrimary() {
		case sqlite.ResultLocked:
			if s.waitForUnlock() {
				continue
			}
			// possible deadlock
			return "", BusyError{}
		case sqlite.ResultBusy:
			return "", BusyError{}
		case sqlite.ResultInterrupt:
			s.rearmInterrupt()
			return "", InterruptError{}
		default:
			return "", errorFromEngine(err, sql)
		}
	}
}

// trimStatementText extracts the compiled statement's own text from sql,
// given the number of trailing bytes the engine did not consume.
func trimStatementText(sql string, trailing int) string {
	return strings.TrimSpace(sql[:len(sql)-trailing])
}

// IsPrepared reports whether the Statement holds a compiled handle.
func (st *Statement) IsPrepared() bool { return st.inner != nil }

// IsActive reports whether the engine has produced at least one row and
// more may follow.
func (st *Statement) IsActive() bool { return st.active }

// SQL returns the compiled statement's text, or "" if unprepared.
func (st *Statement) SQL() string {
	if !st.IsPrepared() {
		return ""
	}
	return st.sql
}

// Session returns the Session the statement was last prepared against
// (including a failed attempt), or nil if never prepared or finalized.
func (st *Statement) Session() *Session { return st.sess }

// Reset cancels iteration. Bindings are preserved. Resetting an active
// statement releases its read locks, so sessions waiting on the same
// database are notified.
func (st *Statement) Reset() {
	wasActive := st.active
	if st.IsPrepared() {
		st.inner.Reset()
	}
	st.active = false
	if wasActive && st.sess != nil {
		unlockNotifier.notify(st.sess)
	}
}

// ClearBindings sets all parameters to null, resetting first if the
// statement is active. Blob destructors registered for bound buffers are
// invoked.
func (st *Statement) ClearBindings() {
	if st.active {
		st.Reset()
	}
	if st.IsPrepared() {
		st.inner.ClearBindings()
	}
	st.releaseAllBlobs()
}

// Finalize resets the statement, releases any compiled handle and invokes
// outstanding blob destructors. Idempotent.
func (st *Statement) Finalize() error {
	if st.IsPrepared() {
		st.Reset()
		st.releaseAllBlobs()
		err := st.inner.Finalize()
		st.inner = nil
		st.sql = ""
		if err != nil && st.sess != nil {
			st.sess.noteStatus(sqlite.ErrCode(err), err.Error())
		}
	}
	st.sess = nil
	return nil
}

// Begin starts iteration, optionally rebinding parameters first: with
// arguments it behaves like BindAll followed by iteration; without, any
// existing bindings are used. The first row is fetched immediately.
func (st *Statement) Begin(args ...any) (Row, error) {
	if len(args) > 0 {
		if err := st.BindAll(args...); err != nil {
			return Row{}, err
		}
	}
	if !st.IsPrepared() {
		return Row{}, nil
	}
	if st.active {
		st.Reset()
	}
	// the virtual-table update hooks consult the executing statement's
	// conflict mode through the session
	st.sess.noteConflictMode(st.sql)
	st.active = true
	return st.Next()
}

// Next advances to the next row. At the end of the result set it resets the
// statement (preserving bindings) and returns an empty Row.
func (st *Statement) Next() (Row, error) {
	if !st.IsPrepared() || !st.active {
		return Row{}, nil
	}

	for {
		if st.sess.progressAborted() {
			st.Reset()
			return Row{}, InterruptError{}
		}

		rowReturned, err := st.inner.Step()
		if err == nil {
			if rowReturned {
				return Row{stmt: st}, nil
			}
			st.Reset()
			st.sess.noteStatus(sqlite.ResultOK, "")
			return Row{}, nil
		}

		code := sqlite.ErrCode(err)
		st.sess.noteStatus(code, err.Error())
		switch code.ToPrimary() {
		case sqlite.ResultInterrupt:
			st.Reset()
			st.sess.rearmInterrupt()
			return Row{}, InterruptError{}
		case sqlite.ResultLocked:
			if st.sess.waitForUnlock() {
				continue
			}
			st.Reset()
			return Row{}, BusyError{}
		case sqlite.ResultBusy:
			st.Reset()
			return Row{}, BusyError{}
		default:
			st.Reset()
			return Row{}, errorFromEngine(err, st.sql)
		}
	}
}

// CurrentRow returns a cursor over the statement's current position.
func (st *Statement) CurrentRow() Row { return Row{stmt: st} }

// ForEach iterates the remaining rows, invoking fn for each. Iteration
// starts with Begin when the statement is inactive.
func (st *Statement) ForEach(fn func(Row) error, args ...any) error {
	var (
		row Row
		err error
	)
	if st.active {
		row = st.CurrentRow()
	} else {
		row, err = st.Begin(args...)
		if err != nil {
			return err
		}
	}
	for !row.Empty() {
		if err := fn(row); err != nil {
			st.Reset()
			return err
		}
		row, err = st.Next()
		if err != nil {
			return err
		}
	}
	return nil
}
