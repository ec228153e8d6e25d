package sqldb

import (
	"fmt"
	"math"

	"zombiezen.com/go/sqlite"
)

// ValueType enumerates the engine's storage classes.
type ValueType int

const (
	NullType ValueType = iota
	IntType
	FloatType
	TextType
	BlobType
)

// ColumnScanner is implemented by values that know how to read themselves
// from a result column. Row.Scan consults it after the built-in types.
type ColumnScanner interface {
	ScanColumn(row Row, colNo int) error
}

// Row is a lightweight cursor over the current result position of a
// Statement. Copying a Row copies the reference: advancing any copy
// advances the underlying Statement, so all copies observe the same
// position.
type Row struct {
	stmt *Statement
}

// Empty reports whether the Row references no result position, either
// because it is the zero Row or because the referenced Statement is
// inactive.
func (r Row) Empty() bool { return r.stmt == nil || !r.stmt.active }

// Next advances the underlying Statement one row. It reports whether a row
// is available afterwards.
func (r Row) Next() (bool, error) {
	if r.Empty() {
		return false, nil
	}
	if _, err := r.stmt.Next(); err != nil {
		return false, err
	}
	return r.stmt.active, nil
}

// IsNull reports whether the cell at colNo is NULL.
func (r Row) IsNull(colNo int) bool {
	return r.stmt.inner.ColumnType(colNo) == sqlite.TypeNull
}

// ColumnSize returns the size in bytes of the cell at colNo.
func (r Row) ColumnSize(colNo int) int {
	return r.stmt.inner.ColumnLen(colNo)
}

// Int64 decodes the cell at colNo as a 64-bit signed integer; NULL decodes
// as zero.
func (r Row) Int64(colNo int) int64 {
	return r.stmt.inner.ColumnInt64(colNo)
}

// Int decodes the cell at colNo as a platform int.
func (r Row) Int(colNo int) int { return int(r.Int64(colNo)) }

// Uint64 reinterprets the cell's signed 64-bit value as unsigned.
func (r Row) Uint64(colNo int) uint64 { return uint64(r.Int64(colNo)) }

// Bool decodes the cell as a boolean: any non-zero integer is true.
func (r Row) Bool(colNo int) bool { return r.Int64(colNo) != 0 }

// Float64 decodes the cell at colNo as a double. A NULL cell decodes as a
// quiet NaN so numeric consumers can treat it as a sentinel.
func (r Row) Float64(colNo int) float64 {
	if r.IsNull(colNo) {
		return math.NaN()
	}
	return r.stmt.inner.ColumnFloat(colNo)
}

// Text decodes the cell at colNo as a string; NULL decodes as "".
func (r Row) Text(colNo int) string {
	return r.stmt.inner.ColumnText(colNo)
}

// Blob returns a copy of the cell's bytes; NULL returns nil.
func (r Row) Blob(colNo int) []byte {
	if r.IsNull(colNo) {
		return nil
	}
	buf := make([]byte, r.stmt.inner.ColumnLen(colNo))
	r.stmt.inner.ColumnBytes(colNo, buf)
	return buf
}

// ColumnCount returns the number of columns in the current result.
func (r Row) ColumnCount() int {
	return r.stmt.inner.ColumnCount()
}

// ColumnName returns the name of column colNo.
func (r Row) ColumnName(colNo int) string {
	return r.stmt.inner.ColumnName(colNo)
}

// ColumnType returns the storage class of the cell at colNo.
func (r Row) ColumnType(colNo int) (ValueType, error) {
	switch r.stmt.inner.ColumnType(colNo) {
	case sqlite.TypeInteger:
		return IntType, nil
	case sqlite.TypeFloat:
		return FloatType, nil
	case sqlite.TypeText:
		return TextType, nil
	case sqlite.TypeBlob:
		return BlobType, nil
	case sqlite.TypeNull:
		return NullType, nil
	default:
		return NullType, newError(fmt.Sprintf("unknown column type at column %d", colNo))
	}
}

// ColumnIndex performs a linear scan of the current result's column names
// and returns the index of the first match, or -1.
func (r Row) ColumnIndex(name string) int {
	for i, n := 0, r.ColumnCount(); i < n; i++ {
		if r.ColumnName(i) == name {
			return i
		}
	}
	return -1
}

// Column is like ColumnIndex but fails when the name is absent.
func (r Row) Column(name string) (int, error) {
	colNo := r.ColumnIndex(name)
	if colNo < 0 {
		return -1, newKindError(KindInvalidArgument,
			fmt.Sprintf("no such column '%s' in result set", name))
	}
	return colNo, nil
}

// Scan decodes columns 0..len(dest)-1 into dest. Supported destinations:
// *int, *int64, *uint64, *bool, *float64, *string, *[]byte and any
// ColumnScanner implementation.
func (r Row) Scan(dest ...any) error {
	if r.Empty() {
		return newError("scan on empty row")
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *int:
			*v = r.Int(i)
		case *int64:
			*v = r.Int64(i)
		case *uint64:
			*v = r.Uint64(i)
		case *bool:
			*v = r.Bool(i)
		case *float64:
			*v = r.Float64(i)
		case *string:
			*v = r.Text(i)
		case *[]byte:
			*v = r.Blob(i)
		case ColumnScanner:
			if err := v.ScanColumn(r, i); err != nil {
				return err
			}
		default:
			return newKindError(KindInvalidArgument,
				fmt.Sprintf("scan: unsupported destination type %T for column %d", d, i))
		}
	}
	return nil
}
