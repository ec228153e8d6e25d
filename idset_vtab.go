package sqldb

import (
	"fmt"
	"slices"
	"strconv"

	"zombiezen.com/go/sqlite"
)

// idsetModule bridges IDSet bodies into the engine as the sdig_idset
// virtual-table module. Each table's single argument is the body handle of
// the set it serves; rows are served straight out of that body's storage.
var idsetModule = &sqlite.Module{
	Connect: idsetConnect,
	Create:  idsetConnect,
}

// registerIDSetModule is called for every connection a Session opens.
func registerIDSetModule(conn *sqlite.Conn) error {
	return conn.SetModule("sdig_idset", idsetModule)
}

// idsetConnect resolves the body handle passed in the CREATE VIRTUAL TABLE
// argument list. opts.Args holds the module arguments.
func idsetConnect(c *sqlite.Conn, opts *sqlite.VTableConnectOptions) (sqlite.VTable, *sqlite.VTableConfig, error) {
	argv := opts.Args
	if len(argv) < 1 {
		return nil, nil, fmt.Errorf("sdig_idset: missing IDSet handle argument")
	}
	handle, err := strconv.ParseUint(argv[0], 0, 64)
	if err != nil || handle == 0 {
		return nil, nil, fmt.Errorf("sdig_idset: bad IDSet handle %q", argv[0])
	}
	body, ok := idsetBodies.Load(handle)
	if !ok {
		return nil, nil, fmt.Errorf("sdig_idset: unknown IDSet handle %q", argv[0])
	}
	cfg := &sqlite.VTableConfig{
		Declaration:       "CREATE TABLE idset (id INTEGER PRIMARY KEY)",
		ConstraintSupport: true,
	}
	return &idsetVTab{body: body}, cfg, nil
}

type idsetVTab struct {
	body *idsetBody
}

// BestIndex accepts =, <, <=, > and >= constraints on the id column (or
// rowid), forwarding the accepted operators through the index string; any
// other constraint is left for the engine to evaluate. Ascending ORDER BY
// on id is consumed directly, descending falls back to an engine-side sort.
func (vt *idsetVTab) BestIndex(in *sqlite.IndexInputs) (*sqlite.IndexOutputs, error) {
	out := &sqlite.IndexOutputs{
		ConstraintUsage: make([]sqlite.IndexConstraintUsage, len(in.Constraints)),
		EstimatedCost:   float64(len(vt.body.storage) + 1),
	}

	ops := make([]byte, 0, len(in.Constraints))
	argNo := 0
	for i, constraint := range in.Constraints {
		if !constraint.Usable {
			out.ConstraintUsage[i] = sqlite.IndexConstraintUsage{Omit: true}
			continue
		}
		if constraint.Column != 0 && constraint.Column != -1 {
			return nil, fmt.Errorf("sdig_idset: constraint on unknown column %d",
				constraint.Column)
		}
		switch constraint.Op {
		case sqlite.IndexConstraintEq, sqlite.IndexConstraintGT,
			sqlite.IndexConstraintLE, sqlite.IndexConstraintLT,
			sqlite.IndexConstraintGE:
			ops = append(ops, byte(constraint.Op))
			argNo++
			out.ConstraintUsage[i] = sqlite.IndexConstraintUsage{ArgvIndex: argNo}
		default:
			out.ConstraintUsage[i] = sqlite.IndexConstraintUsage{Omit: true}
		}
	}
	out.ID = sqlite.IndexID{String: string(ops)}

	out.OrderByConsumed = true
	for _, orderBy := range in.OrderBy {
		if orderBy.Column != 0 && orderBy.Column != -1 {
			return nil, fmt.Errorf("sdig_idset: order by unknown column %d",
				orderBy.Column)
		}
		if orderBy.Desc {
			out.OrderByConsumed = false
			break
		}
	}
	return out, nil
}

func (vt *idsetVTab) Open() (sqlite.VTableCursor, error) {
	return &idsetCursor{body: vt.body}, nil
}

func (vt *idsetVTab) Disconnect() error { return nil }

// Destroy is invoked when the table is dropped; the set reverts to
// detached.
func (vt *idsetVTab) Destroy() error {
	vt.body.sess = nil
	return nil
}

// conflictAction returns the ON CONFLICT mode of the statement currently
// executing against the attached session.
func (vt *idsetVTab) conflictAction() conflictAction {
	if vt.body.sess == nil {
		return conflictAbort
	}
	return vt.body.sess.conflict
}

func valueIsNull(v sqlite.Value) bool {
	return v.Type() == sqlite.TypeNull
}

// DeleteRow implements DELETE against the set.
func (vt *idsetVTab) DeleteRow(rowid sqlite.Value) error {
	if !valueIsNull(rowid) {
		vt.body.erase(rowid.Int64())
	}
	return nil
}

// Update implements INSERT and UPDATE against the set. params.OldRowID is
// the target rowid (null for INSERT); for INSERT and UPDATE, params.NewRowID
// is the new rowid and params.Columns[0] the id column value. The rowid and
// the id column must always agree.
func (vt *idsetVTab) Update(params sqlite.VTableUpdateParams) (int64, error) {
	body := vt.body
	conflict := vt.conflictAction()

	argv := make([]sqlite.Value, 0, 3)
	argv = append(argv, params.OldRowID, params.NewRowID)
	argv = append(argv, params.Columns...)

	if valueIsNull(argv[0]) { // INSERT
		if len(argv) < 3 || valueIsNull(argv[2]) {
			if conflict != conflictIgnore {
				return 0, fmt.Errorf(
					"illegal INSERT INTO %s with id=NULL: %w",
					body.sqlName(), sqlite.ResultConstraintNotNull.ToError())
			}
			return 0, sqlite.ResultConstraintNotNull.ToError()
		}
		id := argv[2].Int64()

		if !valueIsNull(argv[1]) && argv[1].Int64() != id {
			return 0, fmt.Errorf(
				"illegal INSERT INTO %s with rowid=%d, id=%d: rowid cannot differ from id: %w",
				body.sqlName(), argv[1].Int64(), id,
				sqlite.ResultConstraintVTab.ToError())
		}

		if _, added := body.insert(id); !added {
			switch conflict {
			case conflictReplace:
				return id, nil
			case conflictIgnore:
				return 0, sqlite.ResultConstraintUnique.ToError()
			default:
				return 0, fmt.Errorf("illegal INSERT INTO %s: ID %d not unique: %w",
					body.sqlName(), id, sqlite.ResultConstraintUnique.ToError())
			}
		}
		return id, nil
	}

	// UPDATE
	rowid := argv[0].Int64()

	if len(argv) < 3 {
		if !valueIsNull(argv[1]) && argv[1].Int64() != rowid {
			return 0, fmt.Errorf(
				"illegal UPDATE %s attempting to modify rowid %d to %d: %w",
				body.sqlName(), rowid, argv[1].Int64(),
				sqlite.ResultConstraintVTab.ToError())
		}
		return rowid, nil
	}
	if valueIsNull(argv[2]) {
		if conflict != conflictIgnore {
			return 0, fmt.Errorf(
				"illegal UPDATE %s with id=NULL where rowid=%d: %w",
				body.sqlName(), rowid, sqlite.ResultConstraintNotNull.ToError())
		}
		return 0, sqlite.ResultConstraintNotNull.ToError()
	}

	id := argv[2].Int64()

	// the id column aliases the rowid: a rowid change is only legal when
	// the new rowid carries the matching id value
	if !valueIsNull(argv[1]) && argv[1].Int64() != rowid && argv[1].Int64() != id {
		if conflict != conflictIgnore {
			return 0, fmt.Errorf(
				"illegal UPDATE %s attempting to modify rowid %d to %d: %w",
				body.sqlName(), rowid, argv[1].Int64(),
				sqlite.ResultConstraintVTab.ToError())
		}
		return 0, sqlite.ResultConstraintVTab.ToError()
	}

	if id == rowid {
		return rowid, nil
	}

	if body.contains(id) {
		switch conflict {
		case conflictReplace:
			body.erase(rowid)
			return id, nil
		case conflictIgnore:
			return 0, sqlite.ResultConstraintUnique.ToError()
		default:
			return 0, fmt.Errorf(
				"illegal UPDATE %s on rowid=%d: ID %d not unique: %w",
				body.sqlName(), rowid, id,
				sqlite.ResultConstraintUnique.ToError())
		}
	}

	body.erase(rowid)
	body.insert(id)
	return id, nil
}

// Rename only permits renames to the set's own derived name, which the
// engine issues internally; anything else is a misuse.
func (vt *idsetVTab) Rename(newName string) error {
	if newName != vt.body.sqlName() {
		return fmt.Errorf("illegal rename of %s to %q: %w",
			vt.body.sqlName(), newName, sqlite.ResultMisuse.ToError())
	}
	return nil
}

// idsetCursor iterates a body's storage. The cursor tolerates mutation of
// the storage between steps: before serving a value it re-checks that the
// element at its recorded position still equals its recorded id and
// re-locates by binary search when it does not.
type idsetCursor struct {
	body  *idsetBody
	pos   int
	id    ID
	hasID bool
}

// Filter positions the cursor at the first element. Forwarded constraint
// arguments are deliberately not applied here: accepted constraints are
// never marked Omit, so the engine re-checks every row.
func (cur *idsetCursor) Filter(id sqlite.IndexID, argv []sqlite.Value) error {
	if len(cur.body.storage) == 0 {
		cur.hasID = false
		return nil
	}
	cur.pos = 0
	cur.id = cur.body.storage[0]
	cur.hasID = true
	return nil
}

// sync revalidates the cursor position against the storage. When the
// storage changed underneath, the smallest element not less than the
// last-known id becomes current; an element equal to the last-known id
// counts as already visited and is skipped. Reports whether a current
// element remains.
func (cur *idsetCursor) sync() bool {
	if !cur.hasID {
		return false
	}
	storage := cur.body.storage
	if cur.pos < len(storage) && storage[cur.pos] == cur.id {
		return true // no changes to the set under the cursor
	}

	i, found := slices.BinarySearch(storage, cur.id)
	switch {
	case i >= len(storage):
		cur.hasID = false
	case found && i+1 >= len(storage):
		cur.hasID = false
	case found:
		cur.pos = i + 1
		cur.id = storage[cur.pos]
	default:
		cur.pos = i
		cur.id = storage[i]
	}
	return cur.hasID
}

func (cur *idsetCursor) Next() error {
	if !cur.hasID {
		return nil
	}
	origID := cur.id
	if cur.sync() && cur.id == origID {
		cur.pos++
		if cur.pos < len(cur.body.storage) {
			cur.id = cur.body.storage[cur.pos]
		} else {
			cur.hasID = false
		}
	}
	return nil
}

func (cur *idsetCursor) EOF() bool { return !cur.hasID }

func (cur *idsetCursor) Column(i int, noChange bool) (sqlite.Value, error) {
	if i > 0 {
		return sqlite.Value{}, sqlite.ResultRange.ToError()
	}
	if !cur.sync() {
		return sqlite.Value{}, fmt.Errorf(
			"%s: cursor invalidated by concurrent mutation", cur.body.sqlName())
	}
	return sqlite.IntegerValue(cur.id), nil
}

func (cur *idsetCursor) RowID() (int64, error) {
	if !cur.sync() {
		return 0, fmt.Errorf(
			"%s: cursor invalidated by concurrent mutation", cur.body.sqlName())
	}
	return cur.id, nil
}

func (cur *idsetCursor) Close() error { return nil }
