package sqldb

import (
	"github.com/rs/zerolog/log"
)

// txnState tags a Transaction's terminal state.
type txnState int

const (
	txnDefault txnState = iota
	txnCommitted
	txnRolledBack
)

var (
	beginStmt    = RegisterStatement("BEGIN")
	commitStmt   = RegisterStatement("COMMIT")
	rollbackStmt = RegisterStatement("ROLLBACK")
)

// Transaction is a unit of atomic work on a Session, possibly nested.
// Only the outermost frame controls engine-level commit and rollback;
// nested frames defer visibility to the outermost.
//
// A Transaction is active while its session pointer is set; it is nested
// while an outer frame exists on the same Session.
type Transaction struct {
	session *Session
	outer   *Transaction
	state   txnState
	retries int
}

// Begin opens a new transaction frame on s and invokes fn inside it. When
// the session already has an inner frame the new frame is nested;
// otherwise BEGIN is issued to the engine.
//
// On normal return from fn the frame commits. If fn (or the commit) fails
// with a BusyError and the frame is outermost, the frame is rolled back
// and fn is re-invoked from scratch until it completes without contention;
// side effects of fn outside the database (logging, counters) re-execute
// on every retry. Any other failure, including a Busy failure in a nested
// frame, rolls back the still-active frame and propagates unchanged; a
// nested Busy thus reaches the outermost frame, which decides whether to
// retry.
func Begin(s *Session, fn func(*Transaction) error) (*Transaction, error) {
	txn := &Transaction{}

	for {
		err := func() error {
			if err := txn.begin(s); err != nil {
				return err
			}
			if err := fn(txn); err != nil {
				return err
			}
			return txn.Commit()
		}()
		if err == nil {
			if txn.Committed() && !txn.Nested() {
				transactionsCommitted(1)
			}
			return txn, nil
		}

		if IsBusy(err) && !txn.Nested() {
			if rbErr := txn.Rollback(); rbErr != nil {
				return txn, rbErr
			}
			txn.retries++
			busyRetries(1)
			log.Debug().Str("uri", s.URI()).Int("retry", txn.retries).
				Msg("transaction busy; retrying")
			continue
		}

		if txn.Active() {
			if rbErr := txn.Rollback(); rbErr != nil {
				log.Warn().Err(rbErr).Str("uri", s.URI()).
					Msg("rollback after failed transaction body")
			}
		}
		return txn, err
	}
}

// begin pushes this frame onto the session's transaction stack, issuing
// BEGIN to the engine when the frame is outermost.
func (t *Transaction) begin(s *Session) error {
	if s.innerTransaction() == nil {
		res, err := s.ExecID(beginStmt)
		if err != nil {
			return err
		}
		res.Close()
	}
	t.outer = s.addTransaction(t)
	t.session = s
	t.state = txnDefault
	return nil
}

// Commit commits the frame. The outermost frame issues COMMIT, drains the
// session's commit hooks in FIFO order and discards its rollback hooks; a
// nested frame merely unlinks, leaving visibility to the outermost.
// Idempotent.
func (t *Transaction) Commit() error {
	if !t.Active() {
		return nil
	}
	s := t.session

	if !t.Nested() {
		res, err := s.ExecID(commitStmt)
		if err != nil {
			return err
		}
		res.Close()
		s.transactionCommitted()
	}

	t.session = nil
	t.state = txnCommitted
	s.removeTransaction(t)
	return nil
}

// Rollback rolls the frame back. When the engine still reports a live
// transaction, ROLLBACK is issued; the engine may already have rolled back
// on its own after certain errors. Every frame on the stack down to the
// outermost is cleared, the session's commit hooks are discarded and its
// rollback hooks drained in LIFO order. Idempotent.
func (t *Transaction) Rollback() error {
	if !t.Active() {
		return nil
	}
	s := t.session
	t.session = nil

	if !s.autocommit() {
		res, err := s.ExecID(rollbackStmt)
		if err != nil {
			s.transactionRolledBack()
			return err
		}
		res.Close()
	}

	s.transactionRolledBack()
	transactionsRolledBack(1)
	return nil
}

// clearOnRollback clears this frame during a stack-wide rollback and
// returns its outer frame.
func (t *Transaction) clearOnRollback() *Transaction {
	outer := t.outer
	t.session = nil
	t.state = txnRolledBack
	t.outer = nil
	return outer
}

// Active reports whether the frame is open.
func (t *Transaction) Active() bool { return t.session != nil }

// Nested reports whether an outer frame exists on the same Session.
func (t *Transaction) Nested() bool { return t.outer != nil }

// Committed reports whether the frame ended in a commit.
func (t *Transaction) Committed() bool {
	return t.session == nil && t.state == txnCommitted
}

// RolledBack reports whether the frame ended in a rollback.
func (t *Transaction) RolledBack() bool {
	return t.session == nil && t.state == txnRolledBack
}

// Retries returns how many times the body was re-run due to contention.
func (t *Transaction) Retries() int { return t.retries }

// MoveTo transfers the frame into dst, replacing t in the session's stack
// without disturbing its order. t becomes inactive. Transactions are not
// copyable; MoveTo is the explicit move.
func (t *Transaction) MoveTo(dst *Transaction) error {
	if t == dst {
		return nil
	}
	if dst.Active() {
		if err := dst.Rollback(); err != nil {
			return err
		}
	}
	*dst = Transaction{
		session: t.session,
		outer:   t.outer,
		state:   t.state,
		retries: t.retries,
	}
	if dst.Active() {
		dst.session.replaceTransaction(t, dst)
	}
	t.session = nil
	t.outer = nil
	t.state = txnDefault
	t.retries = 0
	return nil
}
