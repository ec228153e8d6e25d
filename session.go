package sqldb

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
)

// conflictAction mirrors the engine's ON CONFLICT modes as far as the
// virtual-table bridge needs them. The engine binding does not surface
// the statement's conflict mode to update hooks, so the session records
// it from the statement text when the statement begins executing.
type conflictAction int

const (
	conflictAbort conflictAction = iota
	conflictIgnore
	conflictReplace
)

// Session represents one open connection to a local database, together
// with its cache of precompiled statements, its progress callback and its
// stack of in-flight transactions.
//
// A Session must not be used from more than one goroutine concurrently.
// Distinct Sessions on the same database are safe to use concurrently.
// Interrupt is the sole exception: it may be called from any goroutine.
type Session struct {
	conn *sqlite.Conn
	uri  string

	stmts    []*Statement
	innerTxn *Transaction

	commitActions   []func()
	rollbackActions []func()

	progress func() bool

	// unlock-wait state; waitMu also guards waiting because the notify
	// side runs on arbitrary goroutines.
	waitMu   sync.Mutex
	waiting  bool
	unlockCh chan struct{}

	intrMu    sync.Mutex
	intrCh    chan struct{}
	intrFired bool

	conflict conflictAction

	lastCode sqlite.ResultCode
	lastMsg  string
}

// NewSession returns a closed Session.
func NewSession() *Session { return &Session{} }

// Open opens uri and returns the resulting Session.
func Open(uri string) (*Session, error) {
	s := NewSession()
	if err := s.Open(uri); err != nil {
		return nil, err
	}
	return s, nil
}

// rewriteURI applies the URI grammar: an optional case-insensitive
// "sqlite3:" or "file:" scheme is normalised to "file:<rest>"; an unknown
// scheme is rejected; a bare path is wrapped as "file://<path>".
func rewriteURI(uri string) (string, error) {
	if i := strings.IndexByte(uri, ':'); i > 0 {
		scheme, rest := uri[:i], uri[i+1:]
		if strings.EqualFold(scheme, "sqlite3") || strings.EqualFold(scheme, "file") {
			return "file:" + rest, nil
		}
		return "", newError(fmt.Sprintf(
			"unrecognised database type %q in URI %q", scheme, uri))
	}
	return "file://" + uri, nil
}

// Open opens the database named by uri in read-write/create mode, replacing
// any prior connection. The new connection is opened before the prior one is
// closed: if opening fails, the prior connection is closed anyway and the
// open error returned; if closing the prior connection fails, the new
// connection is discarded and the close error returned.
func (s *Session) Open(uri string) error {
	rewritten, err := rewriteURI(uri)
	if err != nil {
		return err
	}

	conn, err := sqlite.OpenConn(rewritten,
		sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenURI)
	if err != nil {
		openErr := errorFromEngine(err, "")
		if s.IsOpen() {
			if cerr := s.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("uri", s.uri).
					Msg("closing session after failed reopen")
			}
		}
		return openErr
	}

	if s.IsOpen() {
		if cerr := s.Close(); cerr != nil {
			conn.Close()
			return cerr
		}
	}

	// the engine's own busy timeout stays off: contention surfaces as
	// BusyError and is handled by the transaction retry loop
	conn.SetBusyTimeout(0)

	if err := conn.SetCollation("ALPHANUM", collateAlphaNum); err != nil {
		conn.Close()
		return errorFromEngine(err, "")
	}
	if err := registerIDSetModule(conn); err != nil {
		conn.Close()
		return errorFromEngine(err, "")
	}

	s.conn = conn
	s.uri = uri
	s.lastCode = sqlite.ResultOK
	s.lastMsg = ""

	s.intrMu.Lock()
	s.intrCh = make(chan struct{})
	s.intrFired = false
	s.conn.SetInterrupt(s.intrCh)
	s.intrMu.Unlock()

	s.unlockCh = make(chan struct{}, 1)
	unlockNotifier.register(s)
	return nil
}

// IsOpen reports whether the Session holds an open connection.
func (s *Session) IsOpen() bool { return s.conn != nil }

// URI returns the URI the Session was opened with, or "" if closed.
func (s *Session) URI() string { return s.uri }

// Close finalizes every cached statement, then closes the connection.
// Closing fails when the engine still holds live resources, e.g.
// statements prepared outside the cache that were never finalized.
func (s *Session) Close() error {
	if !s.IsOpen() {
		return nil
	}
	s.dropStatements()

	if err := s.conn.Close(); err != nil {
		return errorFromEngine(err, "")
	}
	unlockNotifier.unregister(s)
	s.conn = nil
	s.uri = ""
	return nil
}

// dropStatements finalizes and forgets all cached statements.
func (s *Session) dropStatements() {
	for _, st := range s.stmts {
		if st != nil {
			st.Finalize()
		}
	}
	s.stmts = nil
}

// FinalizeStatements finalizes every cached statement without forgetting
// the cache slots; statements recompile on next use.
func (s *Session) FinalizeStatements() {
	for _, st := range s.stmts {
		if st != nil {
			st.Finalize()
		}
	}
}

// ReleaseMemory drops the per-session statement cache.
func (s *Session) ReleaseMemory() {
	s.dropStatements()
}

// Vacuum resets all cached statements and rebuilds the database file.
func (s *Session) Vacuum() error {
	for _, st := range s.stmts {
		if st != nil {
			st.Reset()
		}
	}
	st, err := s.Exec("VACUUM")
	if err != nil {
		return err
	}
	return st.Finalize()
}

// HasObject searches the database for a table, view or other named object.
func (s *Session) HasObject(objType, name string) (bool, error) {
	if !s.IsOpen() {
		return false, nil
	}
	res, err := s.ExecID(hasObjectStmt, objType, name)
	if err != nil {
		return false, err
	}
	defer res.Close()
	return res.Active(), nil
}

var hasObjectStmt = RegisterStatement(
	"SELECT rootpage FROM sqlite_master WHERE type=? AND name=?")

// Exec compiles sql on the fly, binds args, steps to the first row and
// returns the Statement so the caller may continue iteration. The
// compilation cost is paid per call; register frequently used statements
// and use ExecID instead.
func (s *Session) Exec(sql string, args ...any) (*Statement, error) {
	st, err := PrepareNew(s, sql)
	if err != nil {
		return nil, err
	}
	if _, err := st.Begin(args...); err != nil {
		st.Finalize()
		return nil, err
	}
	return st, nil
}

// Statement returns the cached compiled statement for id, compiling it
// from the registry text when absent or finalized. If the cached statement
// is already active (re-entrant use of the same registered text), a
// private copy is compiled and returned instead; the caller owns it.
func (s *Session) Statement(id StatementID) (*Statement, error) {
	st, _, err := s.statementForExec(id)
	return st, err
}

func (s *Session) statementForExec(id StatementID) (st *Statement, private bool, err error) {
	if int(id) >= len(s.stmts) {
		if int(id) >= NumRegisteredStatements() {
			return nil, false, newKindError(KindInvalidArgument,
				fmt.Sprintf("invalid statement ID %d given", id))
		}
		grown := make([]*Statement, int(id)+1)
		copy(grown, s.stmts)
		s.stmts = grown
	}

	st = s.stmts[id]
	if st == nil {
		st = NewStatement()
		s.stmts[id] = st
	}
	if !st.IsPrepared() {
		sqlText, err := RegisteredStatement(id)
		if err != nil {
			return nil, false, err
		}
		if err := st.Prepare(s, sqlText); err != nil {
			return nil, false, err
		}
	}
	if st.IsActive() {
		copySt, err := PrepareNew(s, st.sql)
		if err != nil {
			return nil, false, err
		}
		return copySt, true, nil
	}
	return st, false, nil
}

// ExecResult wraps a Statement executed through ExecID. It resets the
// underlying statement when closed so the cache slot is reusable; private
// re-entrant copies are finalized instead.
type ExecResult struct {
	stmt    *Statement
	private bool
}

// Active reports whether the result currently references a row.
func (r *ExecResult) Active() bool { return r.stmt != nil && r.stmt.IsActive() }

// Row returns a cursor over the current result position.
func (r *ExecResult) Row() Row { return r.stmt.CurrentRow() }

// Next advances to the next row.
func (r *ExecResult) Next() (Row, error) { return r.stmt.Next() }

// Statement exposes the underlying Statement.
func (r *ExecResult) Statement() *Statement { return r.stmt }

// Close releases the result. Idempotent.
func (r *ExecResult) Close() error {
	if r.stmt == nil {
		return nil
	}
	st := r.stmt
	r.stmt = nil
	if r.private {
		return st.Finalize()
	}
	st.Reset()
	return nil
}

// ExecID executes the registered statement id: the cached compiled form is
// fetched (or compiled), all bindings are replaced by args, and iteration
// begins. The returned ExecResult must be closed.
func (s *Session) ExecID(id StatementID, args ...any) (*ExecResult, error) {
	st, private, err := s.statementForExec(id)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*ExecResult, error) {
		if private {
			st.Finalize()
		}
		return nil, err
	}
	if err := st.BindAll(args...); err != nil {
		return fail(err)
	}
	if _, err := st.Begin(); err != nil {
		return fail(err)
	}
	return &ExecResult{stmt: st, private: private}, nil
}

// Interrupt signals the engine to abort any in-flight statement on this
// connection. Safe to call from any goroutine; the executing goroutine
// observes an InterruptError.
func (s *Session) Interrupt() {
	s.intrMu.Lock()
	defer s.intrMu.Unlock()
	if s.intrCh != nil && !s.intrFired {
		close(s.intrCh)
		s.intrFired = true
	}
}

// rearmInterrupt installs a fresh interrupt channel after an interrupt was
// observed, so subsequent statements run normally. Called on the session's
// owning goroutine only.
func (s *Session) rearmInterrupt() {
	s.intrMu.Lock()
	defer s.intrMu.Unlock()
	if !s.intrFired || s.conn == nil {
		return
	}
	s.intrCh = make(chan struct{})
	s.intrFired = false
	s.conn.SetInterrupt(s.intrCh)
}

// SetProgressHandler installs fn to be invoked periodically while
// statements execute on this Session. Returning true aborts the current
// statement, surfacing as an InterruptError in the executing goroutine.
// A nil fn detaches the handler.
func (s *Session) SetProgressHandler(fn func() bool) {
	s.progress = fn
}

func (s *Session) progressAborted() bool {
	return s.progress != nil && s.progress()
}

// LastInsertRowID returns the rowid of the most recently inserted row on
// this connection, even if the insert was later rolled back.
func (s *Session) LastInsertRowID() int64 {
	if !s.IsOpen() {
		return 0
	}
	return s.conn.LastInsertRowID()
}

// RowsAffected returns the number of rows changed by the most recent
// mutating statement on this connection.
func (s *Session) RowsAffected() int {
	if !s.IsOpen() {
		return 0
	}
	return s.conn.Changes()
}

// LastStatusCode returns the engine status of the most recent operation.
func (s *Session) LastStatusCode() int { return int(s.lastCode) }

// LastMessage returns the engine message of the most recent operation.
func (s *Session) LastMessage() string { return s.lastMsg }

func (s *Session) noteStatus(code sqlite.ResultCode, msg string) {
	s.lastCode = code
	s.lastMsg = msg
}

// noteConflictMode records the ON CONFLICT mode of the statement about to
// execute; the virtual-table update hook consults it.
func (s *Session) noteConflictMode(sql string) {
	s.conflict = conflictActionOf(sql)
}

func conflictActionOf(sql string) conflictAction {
	head := strings.ToUpper(sql)
	switch {
	case strings.HasPrefix(head, "REPLACE"):
		return conflictReplace
	case strings.HasPrefix(head, "INSERT"), strings.HasPrefix(head, "UPDATE"):
		rest := strings.TrimLeft(head[6:], " \t\r\n")
		if !strings.HasPrefix(rest, "OR") {
			return conflictAbort
		}
		rest = strings.TrimLeft(rest[2:], " \t\r\n")
		switch {
		case strings.HasPrefix(rest, "REPLACE"):
			return conflictReplace
		case strings.HasPrefix(rest, "IGNORE"):
			return conflictIgnore
		}
	}
	return conflictAbort
}

// BeginTransaction opens a transaction frame on this Session and runs fn
// inside it. See Begin for the retry semantics.
func (s *Session) BeginTransaction(fn func(*Transaction) error) (*Transaction, error) {
	return Begin(s, fn)
}

// OnFinalCommit registers fn to run once the outermost active transaction
// commits; registered actions run in FIFO order. With no transaction
// active, fn runs immediately.
func (s *Session) OnFinalCommit(fn func()) {
	if s.innerTxn != nil {
		s.commitActions = append(s.commitActions, fn)
	} else {
		fn()
	}
}

// OnRollback registers fn to run if the current transaction chain rolls
// back; registered actions run in LIFO order. With no transaction active,
// fn is dropped.
func (s *Session) OnRollback(fn func()) {
	if s.innerTxn != nil {
		s.rollbackActions = append(s.rollbackActions, fn)
	}
}

// innerTransaction returns the innermost active transaction, if any.
func (s *Session) innerTransaction() *Transaction { return s.innerTxn }

// addTransaction pushes txn onto the transaction stack and returns the
// previous head (txn's outer frame).
func (s *Session) addTransaction(txn *Transaction) *Transaction {
	prev := s.innerTxn
	s.innerTxn = txn
	return prev
}

// removeTransaction unlinks txn from the transaction stack.
func (s *Session) removeTransaction(txn *Transaction) {
	if txn == s.innerTxn {
		s.innerTxn = txn.outer
		return
	}
	for t := s.innerTxn; t != nil; t = t.outer {
		if t.outer == txn {
			t.outer = txn.outer
			return
		}
	}
}

// replaceTransaction substitutes after for before in the stack without
// disturbing its order; used by Transaction move semantics.
func (s *Session) replaceTransaction(before, after *Transaction) {
	if s.innerTxn == before {
		s.innerTxn = after
		return
	}
	for t := s.innerTxn; t != nil; t = t.outer {
		if t.outer == before {
			t.outer = after
			return
		}
	}
}

// transactionCommitted drains the commit queue in FIFO order and discards
// the rollback queue. Called after the outermost COMMIT succeeds.
func (s *Session) transactionCommitted() {
	s.rollbackActions = nil
	for len(s.commitActions) > 0 {
		fn := s.commitActions[0]
		s.commitActions = s.commitActions[1:]
		fn()
	}
	unlockNotifier.notify(s)
}

// transactionRolledBack clears every frame on the stack, discards the
// commit queue and drains the rollback queue in LIFO order.
func (s *Session) transactionRolledBack() {
	for s.innerTxn != nil {
		s.innerTxn = s.innerTxn.clearOnRollback()
	}
	s.commitActions = nil
	for len(s.rollbackActions) > 0 {
		fn := s.rollbackActions[len(s.rollbackActions)-1]
		s.rollbackActions = s.rollbackActions[:len(s.rollbackActions)-1]
		fn()
	}
	unlockNotifier.notify(s)
}

// autocommit reports whether the engine is outside any transaction.
func (s *Session) autocommit() bool {
	if !s.IsOpen() {
		return true
	}
	return s.conn.AutocommitEnabled()
}
