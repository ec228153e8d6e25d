package sqldb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idsetTableExists probes the temp schema for the set's virtual table.
func idsetTableExists(db *Session, set *IDSet) bool {
	st, err := db.Exec("SELECT count(*) FROM " + set.SQLName())
	if err != nil {
		return false
	}
	st.Finalize()
	return true
}

func queryIDs(t *testing.T, db *Session, sql string, args ...any) []ID {
	t.Helper()
	st, err := db.Exec(sql, args...)
	require.NoError(t, err)
	defer st.Finalize()

	var ids []ID
	for row := st.CurrentRow(); !row.Empty(); {
		ids = append(ids, row.Int64(0))
		more, err := row.Next()
		require.NoError(t, err)
		if !more {
			break
		}
	}
	return ids
}

func TestIDSetQueryThroughSQL(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 2, 4, 6, 8)
	require.NoError(t, err)
	defer set.Detach()

	n := set.InsertSlice([]ID{0, 1, 3, 5, 7, 9, 10})
	require.Equal(t, 7, n)

	got := queryIDs(t, db, "SELECT id FROM "+set.SQLName())
	assert.Equal(t, []ID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestIDSetQueryConstraints(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1, 2, 3, 4, 5, 6, 7, 8)
	require.NoError(t, err)
	defer set.Detach()

	name := set.SQLName()
	assert.Equal(t, []ID{4},
		queryIDs(t, db, "SELECT id FROM "+name+" WHERE id = 4"))
	assert.Equal(t, []ID{6, 7, 8},
		queryIDs(t, db, "SELECT id FROM "+name+" WHERE id > 5"))
	assert.Equal(t, []ID{1, 2},
		queryIDs(t, db, "SELECT id FROM "+name+" WHERE id <= 2"))
	assert.Equal(t, []ID{3, 4},
		queryIDs(t, db, "SELECT id FROM "+name+" WHERE id >= 3 AND id < 5"))
	assert.Empty(t,
		queryIDs(t, db, "SELECT id FROM "+name+" WHERE id = 99"))

	// descending order is produced by an engine-side sort
	assert.Equal(t, []ID{8, 7, 6, 5, 4, 3, 2, 1},
		queryIDs(t, db, "SELECT id FROM "+name+" ORDER BY id DESC"))

	// rowid aliases the id column
	assert.Equal(t, []ID{5},
		queryIDs(t, db, "SELECT rowid FROM "+name+" WHERE rowid = 5"))
}

func TestIDSetSQLInsert(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 10)
	require.NoError(t, err)
	defer set.Detach()

	mustExec(t, db, fmt.Sprintf("INSERT INTO %s (id) VALUES (7)", set.SQLName()))
	assert.Equal(t, []ID{7, 10}, set.Slice())
	assert.Equal(t, int64(7), db.LastInsertRowID())
}

func TestIDSetSQLInsertNullID(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1, 2)
	require.NoError(t, err)
	defer set.Detach()

	_, err = db.Exec(fmt.Sprintf("INSERT INTO %s (id) VALUES (NULL)", set.SQLName()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NULL")
	assert.Equal(t, []ID{1, 2}, set.Slice())

	// under INSERT OR IGNORE the statement completes silently
	mustExec(t, db, fmt.Sprintf("INSERT OR IGNORE INTO %s (id) VALUES (NULL)", set.SQLName()))
	assert.Equal(t, []ID{1, 2}, set.Slice())
}

func TestIDSetSQLInsertDuplicate(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 5)
	require.NoError(t, err)
	defer set.Detach()

	name := set.SQLName()

	_, err = db.Exec(fmt.Sprintf("INSERT INTO %s (id) VALUES (5)", name))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not unique")

	mustExec(t, db, fmt.Sprintf("INSERT OR IGNORE INTO %s (id) VALUES (5)", name))
	assert.Equal(t, []ID{5}, set.Slice())

	mustExec(t, db, fmt.Sprintf("INSERT OR REPLACE INTO %s (id) VALUES (5)", name))
	assert.Equal(t, []ID{5}, set.Slice())
}

func TestIDSetSQLInsertRowidMismatch(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db)
	require.NoError(t, err)
	defer set.Detach()

	// whether rejected by the engine core or by the update hook, a rowid
	// that disagrees with the id column must never reach the set
	_, err = db.Exec(fmt.Sprintf(
		"INSERT INTO %s (_rowid_, id) VALUES (1, 2)", set.SQLName()))
	require.Error(t, err)
	assert.True(t, set.Empty())
}

func TestIDSetSQLDelete(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1, 2, 3)
	require.NoError(t, err)
	defer set.Detach()

	mustExec(t, db, fmt.Sprintf("DELETE FROM %s WHERE id = 2", set.SQLName()))
	assert.Equal(t, []ID{1, 3}, set.Slice())
	assert.Equal(t, 1, db.RowsAffected())

	mustExec(t, db, fmt.Sprintf("DELETE FROM %s", set.SQLName()))
	assert.True(t, set.Empty())
}

func TestIDSetSQLUpdate(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1, 5)
	require.NoError(t, err)
	defer set.Detach()

	name := set.SQLName()

	// moving an id to a free slot erases the old value and inserts the new
	mustExec(t, db, fmt.Sprintf("UPDATE %s SET id = 7 WHERE id = 5", name))
	assert.Equal(t, []ID{1, 7}, set.Slice())

	// self-assignment is a no-op
	mustExec(t, db, fmt.Sprintf("UPDATE %s SET id = 7 WHERE id = 7", name))
	assert.Equal(t, []ID{1, 7}, set.Slice())

	// collision with an existing id
	_, err = db.Exec(fmt.Sprintf("UPDATE %s SET id = 1 WHERE id = 7", name))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not unique")
	assert.Equal(t, []ID{1, 7}, set.Slice())

	mustExec(t, db, fmt.Sprintf("UPDATE OR IGNORE %s SET id = 1 WHERE id = 7", name))
	assert.Equal(t, []ID{1, 7}, set.Slice())

	// OR REPLACE erases the moved-from id
	mustExec(t, db, fmt.Sprintf("UPDATE OR REPLACE %s SET id = 1 WHERE id = 7", name))
	assert.Equal(t, []ID{1}, set.Slice())
}

func TestIDSetSQLUpdateNullID(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 3)
	require.NoError(t, err)
	defer set.Detach()

	_, err = db.Exec(fmt.Sprintf(
		"UPDATE %s SET id = NULL WHERE id = 3", set.SQLName()))
	require.Error(t, err)
	assert.Equal(t, []ID{3}, set.Slice())
}

func TestIDSetRenameRejected(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1)
	require.NoError(t, err)
	defer set.Detach()

	_, err = db.Exec(fmt.Sprintf(
		"ALTER TABLE temp.%s RENAME TO somewhere_else", set.SQLName()))
	require.Error(t, err)
}

func TestIDSetCursorSurvivesConcurrentErase(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 1, 2, 3, 4, 5)
	require.NoError(t, err)
	defer set.Detach()

	st, err := PrepareNew(db, "SELECT id FROM "+set.SQLName())
	require.NoError(t, err)
	defer st.Finalize()

	row, err := st.Begin()
	require.NoError(t, err)
	require.Equal(t, ID(1), row.Int64(0))

	row, err = st.Next()
	require.NoError(t, err)
	require.Equal(t, ID(2), row.Int64(0))

	// mutate the set out from underneath the open cursor
	set.Erase(3)

	row, err = st.Next()
	require.NoError(t, err)
	require.False(t, row.Empty())
	assert.Equal(t, ID(4), row.Int64(0), "erased id must be skipped, visited ids not repeated")

	row, err = st.Next()
	require.NoError(t, err)
	require.False(t, row.Empty())
	assert.Equal(t, ID(5), row.Int64(0))

	row, err = st.Next()
	require.NoError(t, err)
	assert.True(t, row.Empty())
}

func TestIDSetCursorSurvivesConcurrentInsert(t *testing.T) {
	db := newSession(t, tempDBURI(t))

	set, err := NewAttachedIDSet(db, 10, 20, 30)
	require.NoError(t, err)
	defer set.Detach()

	st, err := PrepareNew(db, "SELECT id FROM "+set.SQLName())
	require.NoError(t, err)
	defer st.Finalize()

	row, err := st.Begin()
	require.NoError(t, err)
	require.Equal(t, ID(10), row.Int64(0))

	// insert behind and ahead of the cursor
	set.Insert(5)
	set.Insert(25)

	var rest []ID
	for {
		row, err = st.Next()
		require.NoError(t, err)
		if row.Empty() {
			break
		}
		rest = append(rest, row.Int64(0))
	}
	// 5 precedes the visited 10 and must not appear; 25 exceeds it and must
	assert.Equal(t, []ID{20, 25, 30}, rest)
}

func TestIDSetSQLMutationThroughVirtualTable(t *testing.T) {
	db, _ := newSampleDB(t)

	set, err := NewAttachedIDSet(db)
	require.NoError(t, err)
	defer set.Detach()

	// populate the in-process container from a SQL query result
	mustExec(t, db, fmt.Sprintf(
		"INSERT INTO %s (id) SELECT number FROM employees WHERE office_code = 1",
		set.SQLName()))
	assert.Equal(t, []ID{1002, 1056, 1143, 1165}, set.Slice())

	// and prune it through SQL again
	mustExec(t, db, fmt.Sprintf("DELETE FROM %s WHERE id > 1100", set.SQLName()))
	assert.Equal(t, []ID{1002, 1056}, set.Slice())
}

func TestIDSetJoinAgainstRegularTable(t *testing.T) {
	db, _ := newSampleDB(t)

	set, err := NewAttachedIDSet(db, 1002, 1501, 1504)
	require.NoError(t, err)
	defer set.Detach()

	got := queryIDs(t, db, fmt.Sprintf(
		`SELECT e.number FROM employees e JOIN %s s ON s.id = e.number
		 WHERE e.office_code = 7 ORDER BY e.number`, set.SQLName()))
	assert.Equal(t, []ID{1501, 1504}, got)
}
