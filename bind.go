package sqldb

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
	"zombiezen.com/go/sqlite"
)

// Binder is implemented by values that know how to write themselves into a
// statement parameter slot. The built-in scalar types are handled directly
// by Bind; user types implement Binder to extend the set.
type Binder interface {
	BindParameter(st *Statement, paramNo int) error
}

// FreeBlobFunc releases a buffer previously bound with BindBlob.
type FreeBlobFunc func([]byte)

// blobKey identifies a bound blob buffer by its backing array pointer.
type blobKey uintptr

func keyOf(data []byte) blobKey {
	return blobKey(uintptr(unsafe.Pointer(unsafe.SliceData(data))))
}

// blobFreeFuncs maps buffer pointers to their registered destructors.
// Process-wide: the same buffer may be released from whichever goroutine
// releases the binding.
var blobFreeFuncs = xsync.NewMapOf[blobKey, func()]()

// checkParam validates a 1-based parameter index against the compiled
// statement, resetting an active statement as a side effect of a valid
// bind attempt.
func (st *Statement) checkParam(paramNo int) error {
	if !st.IsPrepared() {
		return ErrClosed
	}
	if paramNo < 1 || paramNo > st.inner.BindParamCount() {
		return bindError(sqlite.ResultRange, paramNo, st.sql)
	}
	if st.active {
		st.Reset()
	}
	return nil
}

// BindNull binds NULL to the 1-based parameter paramNo.
func (st *Statement) BindNull(paramNo int) error {
	if err := st.checkParam(paramNo); err != nil {
		return err
	}
	st.releaseBlob(paramNo)
	st.inner.BindNull(paramNo)
	return nil
}

// BindInt64 binds a 64-bit signed integer.
func (st *Statement) BindInt64(paramNo int, val int64) error {
	if err := st.checkParam(paramNo); err != nil {
		return err
	}
	st.releaseBlob(paramNo)
	st.inner.BindInt64(paramNo, val)
	return nil
}

// BindInt binds a platform int, widened to 64 bits.
func (st *Statement) BindInt(paramNo int, val int) error {
	return st.BindInt64(paramNo, int64(val))
}

// BindUint64 binds an unsigned 64-bit integer, stored reinterpreted as
// signed. Callers wanting the logical unsigned value back must
// re-interpret the retrieved signed value.
func (st *Statement) BindUint64(paramNo int, val uint64) error {
	return st.BindInt64(paramNo, int64(val))
}

// BindBool binds a boolean as 0 or 1.
func (st *Statement) BindBool(paramNo int, val bool) error {
	if val {
		return st.BindInt64(paramNo, 1)
	}
	return st.BindInt64(paramNo, 0)
}

// BindFloat64 binds a double-precision float. NaN is stored as NULL by the
// engine and decodes back as NaN through Row.Float64; infinities round-trip
// exactly.
func (st *Statement) BindFloat64(paramNo int, val float64) error {
	if err := st.checkParam(paramNo); err != nil {
		return err
	}
	st.releaseBlob(paramNo)
	st.inner.BindFloat(paramNo, val)
	return nil
}

// BindText binds a UTF-8 string.
func (st *Statement) BindText(paramNo int, val string) error {
	if err := st.checkParam(paramNo); err != nil {
		return err
	}
	st.releaseBlob(paramNo)
	st.inner.BindText(paramNo, val)
	return nil
}

// BindBlob binds a byte buffer. A nil buffer binds NULL. When freeBlob is
// non-nil it is registered against the buffer pointer and invoked exactly
// once when the binding is released (rebind of the slot, ClearBindings or
// Finalize). Registering two destructors for the same buffer fails.
func (st *Statement) BindBlob(paramNo int, data []byte, freeBlob FreeBlobFunc) error {
	if data == nil {
		return st.BindNull(paramNo)
	}
	if err := st.checkParam(paramNo); err != nil {
		return err
	}
	st.releaseBlob(paramNo)

	if freeBlob != nil {
		key := keyOf(data)
		buf := data
		fn := freeBlob
		if _, loaded := blobFreeFuncs.LoadOrStore(key, func() { fn(buf) }); loaded {
			return newError(fmt.Sprintf(
				"bind(%d): destructor already registered for blob %#x", paramNo, key))
		}
		if st.boundBlobs == nil {
			st.boundBlobs = make(map[int]blobKey)
		}
		st.boundBlobs[paramNo] = key
	}

	st.inner.BindBytes(paramNo, data)
	return nil
}

// releaseBlob invokes and forgets the destructor registered for the buffer
// bound at paramNo, if any.
func (st *Statement) releaseBlob(paramNo int) {
	key, ok := st.boundBlobs[paramNo]
	if !ok {
		return
	}
	delete(st.boundBlobs, paramNo)
	if fn, ok := blobFreeFuncs.LoadAndDelete(key); ok {
		fn()
	}
}

func (st *Statement) releaseAllBlobs() {
	for paramNo := range st.boundBlobs {
		st.releaseBlob(paramNo)
	}
}

// Bind binds an arbitrary supported value to the 1-based parameter paramNo.
// Supported types: nil, bool, the signed and unsigned integer types,
// float32/float64, string, []byte and any Binder implementation.
func (st *Statement) Bind(paramNo int, val any) error {
	switch v := val.(type) {
	case nil:
		return st.BindNull(paramNo)
	case bool:
		return st.BindBool(paramNo, v)
	case int:
		return st.BindInt64(paramNo, int64(v))
	case int8:
		return st.BindInt64(paramNo, int64(v))
	case int16:
		return st.BindInt64(paramNo, int64(v))
	case int32:
		return st.BindInt64(paramNo, int64(v))
	case int64:
		return st.BindInt64(paramNo, v)
	case uint:
		return st.BindUint64(paramNo, uint64(v))
	case uint8:
		return st.BindInt64(paramNo, int64(v))
	case uint16:
		return st.BindInt64(paramNo, int64(v))
	case uint32:
		return st.BindInt64(paramNo, int64(v))
	case uint64:
		return st.BindUint64(paramNo, v)
	case float32:
		return st.BindFloat64(paramNo, widenFloat(v))
	case float64:
		return st.BindFloat64(paramNo, v)
	case string:
		return st.BindText(paramNo, v)
	case []byte:
		return st.BindBlob(paramNo, v, nil)
	case Binder:
		return v.BindParameter(st, paramNo)
	default:
		return newKindError(KindInvalidArgument,
			fmt.Sprintf("bind(%d): unsupported type %T", paramNo, val))
	}
}

// widenFloat preserves NaN and infinities when widening float32.
func widenFloat(v float32) float64 {
	if math.IsNaN(float64(v)) {
		return math.NaN()
	}
	return float64(v)
}

// BindAll clears all bindings, then binds args positionally starting at
// parameter 1. Trailing parameters without a matching argument remain null.
func (st *Statement) BindAll(args ...any) error {
	st.ClearBindings()
	for i, arg := range args {
		if err := st.Bind(i+1, arg); err != nil {
			return err
		}
	}
	return nil
}
