package sqldb

import (
	"path/filepath"
	"testing"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/stretchr/testify/require"
)

// Mock-up company database used across the test suite.

const londonPhoneNo = "+44 20 7877 2041"

func tempDBURI(t *testing.T) string {
	t.Helper()
	return "sqlite3:" + filepath.Join(t.TempDir(), "sample.db")
}

func newSession(t *testing.T, uri string) *Session {
	t.Helper()
	db, err := Open(uri)
	require.NoError(t, err)
	t.Cleanup(func() {
		if db.IsOpen() {
			require.NoError(t, db.Close())
		}
	})
	return db
}

func mustExec(t *testing.T, db *Session, sql string, args ...any) {
	t.Helper()
	st, err := db.Exec(sql, args...)
	require.NoError(t, err, sql)
	require.NoError(t, st.Finalize())
}

func createSampleSchema(t *testing.T, db *Session) {
	t.Helper()
	mustExec(t, db, "PRAGMA journal_mode = DELETE")
	mustExec(t, db, `CREATE TABLE IF NOT EXISTS offices (
		code INTEGER PRIMARY KEY,
		city TEXT NOT NULL,
		phone TEXT NOT NULL,
		country TEXT NOT NULL)`)
	mustExec(t, db, `CREATE TABLE IF NOT EXISTS employees (
		number INTEGER PRIMARY KEY,
		last_name TEXT NOT NULL,
		first_name TEXT NOT NULL,
		office_code INTEGER NOT NULL REFERENCES offices (code))`)
}

func populateOffices(t *testing.T, db *Session) {
	t.Helper()
	sql, _, err := goqu.Dialect("sqlite3").
		Insert("offices").
		Cols("code", "city", "phone", "country").
		Vals(
			goqu.Vals{1, "San Francisco", "+1 650 219 4782", "USA"},
			goqu.Vals{2, "Boston", "+1 215 837 0825", "USA"},
			goqu.Vals{3, "NYC", "+1 212 555 3000", "USA"},
			goqu.Vals{4, "Paris", "+33 14 723 4404", "France"},
			goqu.Vals{5, "Tokyo", "+81 33 224 5000", "Japan"},
			goqu.Vals{6, "Sydney", "+61 2 9264 2451", "Australia"},
			goqu.Vals{7, "London", londonPhoneNo, "UK"},
		).ToSQL()
	require.NoError(t, err)
	mustExec(t, db, sql)
}

func populateEmployees(t *testing.T, db *Session) {
	t.Helper()
	sql, _, err := goqu.Dialect("sqlite3").
		Insert("employees").
		Cols("number", "last_name", "first_name", "office_code").
		Vals(
			goqu.Vals{1002, "Murphy", "Diane", 1},
			goqu.Vals{1056, "Patterson", "Mary", 1},
			goqu.Vals{1076, "Firrelli", "Jeff", 2},
			goqu.Vals{1088, "Patterson", "William", 6},
			goqu.Vals{1102, "Bondur", "Gerard", 4},
			goqu.Vals{1143, "Bow", "Anthony", 1},
			goqu.Vals{1165, "Jennings", "Leslie", 1},
			goqu.Vals{1188, "Firrelli", "Julie", 2},
			goqu.Vals{1216, "Patterson", "Steve", 2},
			goqu.Vals{1286, "Tseng", "Foon Yue", 3},
			goqu.Vals{1323, "Vanauf", "George", 3},
			goqu.Vals{1337, "Bondur", "Loui", 4},
			goqu.Vals{1501, "Bott", "Larry", 7},
			goqu.Vals{1504, "Jones", "Barry", 7},
		).ToSQL()
	require.NoError(t, err)
	mustExec(t, db, sql)
}

// newSampleDB opens a fresh database with the full fixture loaded.
func newSampleDB(t *testing.T) (*Session, string) {
	t.Helper()
	uri := tempDBURI(t)
	db := newSession(t, uri)
	createSampleSchema(t, db)
	populateOffices(t, db)
	populateEmployees(t, db)
	return db, uri
}

func countRows(t *testing.T, db *Session, sql string, args ...any) int {
	t.Helper()
	st, err := db.Exec(sql, args...)
	require.NoError(t, err)
	defer st.Finalize()

	n := 0
	for row := st.CurrentRow(); !row.Empty(); {
		n++
		more, err := row.Next()
		require.NoError(t, err)
		if !more {
			break
		}
	}
	return n
}
