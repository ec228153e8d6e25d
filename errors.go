package sqldb

import (
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
)

// ErrorKind classifies generic Error values beyond the Busy/Interrupt split.
type ErrorKind int

const (
	// KindGeneric covers preparation and execution failures reported by the
	// engine: syntax, semantics, constraint violations, I/O.
	KindGeneric ErrorKind = iota
	// KindInvalidArgument covers out-of-range parameter and column indices.
	KindInvalidArgument
	// KindLengthError covers oversize bound values.
	KindLengthError
	// KindAllocError covers engine allocation failures.
	KindAllocError
)

// Error is the generic failure kind. It carries a narrative message and,
// where known, the SQL text being processed.
type Error struct {
	Kind ErrorKind
	msg  string
	sql  string
}

func newError(msg string) *Error {
	return &Error{msg: msg}
}

func newErrorSQL(msg, sql string) *Error {
	return &Error{msg: msg, sql: sql}
}

func newKindError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// errorFromEngine wraps an engine status into an Error, attaching the SQL
// text when available.
func errorFromEngine(err error, sql string) *Error {
	return &Error{msg: err.Error(), sql: sql}
}

func (e *Error) Error() string {
	if e.sql == "" {
		return e.msg
	}
	return fmt.Sprintf("%s [SQL: %s]", e.msg, e.sql)
}

// SQL returns the statement text the error relates to, if known.
func (e *Error) SQL() string { return e.sql }

// InterruptError is raised in the executing goroutine when
// Session.Interrupt was called.
type InterruptError struct{}

func (InterruptError) Error() string { return "statement interrupted" }

// BusyError is raised when the engine reports contention or a potential
// deadlock that the library's internal wait did not resolve.
type BusyError struct{}

func (BusyError) Error() string {
	return "cannot obtain write lock due to existing read locks"
}

// IsBusy reports whether err signals database contention.
func IsBusy(err error) bool {
	var busy BusyError
	return errors.As(err, &busy)
}

// IsInterrupt reports whether err signals cooperative cancellation.
func IsInterrupt(err error) bool {
	var intr InterruptError
	return errors.As(err, &intr)
}

// ErrClosed is returned by operations that require an open connection.
var ErrClosed = newError("session is not open")

// bindError maps engine bind statuses onto the error taxonomy.
func bindError(code sqlite.ResultCode, paramNo int, sql string) error {
	switch code {
	case sqlite.ResultRange:
		return newKindError(KindInvalidArgument,
			fmt.Sprintf("parameter index %d out of range (SQL: %s)", paramNo, sql))
	case sqlite.ResultTooBig:
		return newKindError(KindLengthError,
			fmt.Sprintf("bind(%d): value too large", paramNo))
	case sqlite.ResultNoMem:
		return newKindError(KindAllocError,
			fmt.Sprintf("bind(%d): out of memory", paramNo))
	default:
		return newErrorSQL(fmt.Sprintf("bind(%d): %s", paramNo, code.String()), sql)
	}
}
