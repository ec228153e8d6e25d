package sqldb

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ID is a 64-bit row key.
type ID = int64

// idsetBody is the heap cell holding an IDSet's storage and attachment.
// The body has stable identity for the lifetime of the set: the SQL-visible
// table name is derived from its handle, and the virtual-table bridge
// resolves the handle back to the body through idsetBodies. Swapping two
// sets exchanges storage and attachment but never bodies, so names compiled
// into prepared statements stay valid.
type idsetBody struct {
	handle  uint64
	storage []ID
	sess    *Session
}

var (
	idsetHandles uint64
	idsetBodies  = xsync.NewMapOf[uint64, *idsetBody]()
)

// insert adds id keeping the storage strictly ascending. It returns the
// id's position and whether it was newly added.
func (b *idsetBody) insert(id ID) (int, bool) {
	pos, found := slices.BinarySearch(b.storage, id)
	if found {
		return pos, false
	}
	b.storage = slices.Insert(b.storage, pos, id)
	return pos, true
}

// erase removes id, reporting 1 when it was present.
func (b *idsetBody) erase(id ID) int {
	pos, found := slices.BinarySearch(b.storage, id)
	if !found {
		return 0
	}
	b.storage = slices.Delete(b.storage, pos, pos+1)
	return 1
}

func (b *idsetBody) contains(id ID) bool {
	_, found := slices.BinarySearch(b.storage, id)
	return found
}

func (b *idsetBody) sqlName() string {
	return fmt.Sprintf("idset_%x", b.handle)
}

// IDSet is an in-memory ordered set of unique 64-bit keys, optionally
// exposed to an attached Session as an updatable virtual table in the
// temp schema. Attached or not, the container operations behave the same.
//
// An IDSet follows its attached Session's threading rules: no concurrent
// use of one set, one session from multiple goroutines.
type IDSet struct {
	body *idsetBody
}

// NewIDSet returns a detached set containing ids.
func NewIDSet(ids ...ID) *IDSet {
	set := &IDSet{body: &idsetBody{handle: atomic.AddUint64(&idsetHandles, 1)}}
	set.InsertSlice(ids)
	return set
}

// NewAttachedIDSet returns a set attached to s containing ids.
func NewAttachedIDSet(s *Session, ids ...ID) (*IDSet, error) {
	set := NewIDSet(ids...)
	if err := set.Attach(s); err != nil {
		return nil, err
	}
	return set, nil
}

// SQLName returns the set's SQL-visible table name. The name is derived
// from the set's body and never changes, even across Swap.
func (set *IDSet) SQLName() string { return set.body.sqlName() }

// Session returns the attached Session, or nil when detached.
func (set *IDSet) Session() *Session { return set.body.sess }

// Attach exposes the set to s as a virtual table named SQLName in the
// temp schema. Attaching to the current session is a no-op; attaching
// elsewhere detaches first.
func (set *IDSet) Attach(s *Session) error {
	if s == set.body.sess {
		return nil
	}
	if set.body.sess != nil {
		if err := set.Detach(); err != nil {
			return err
		}
	}

	set.body.sess = s

	if s.IsOpen() {
		idsetBodies.Store(set.body.handle, set.body)
		st, err := s.Exec(fmt.Sprintf(
			"CREATE VIRTUAL TABLE temp.%s USING sdig_idset(%d)",
			set.body.sqlName(), set.body.handle))
		if err != nil {
			idsetBodies.Delete(set.body.handle)
			set.body.sess = nil
			return err
		}
		if err := st.Finalize(); err != nil {
			return err
		}
	}
	return nil
}

// Detach drops the set's virtual table and severs the session link.
func (set *IDSet) Detach() error {
	if set.body.sess == nil {
		return nil
	}
	s := set.body.sess
	if s.IsOpen() {
		st, err := s.Exec("DROP TABLE " + set.body.sqlName())
		if err != nil {
			return err
		}
		if err := st.Finalize(); err != nil {
			return err
		}
	}
	set.body.sess = nil
	idsetBodies.Delete(set.body.handle)
	return nil
}

func (set *IDSet) checkAttached(context string) error {
	if set.body.sess == nil {
		return newError(fmt.Sprintf("%s: IDSet %s not attached to any database",
			context, set.body.sqlName()))
	}
	return nil
}

// Insert adds id, returning its position and whether it was newly added.
func (set *IDSet) Insert(id ID) (int, bool) { return set.body.insert(id) }

// InsertSlice adds each id from ids, returning the number newly added.
func (set *IDSet) InsertSlice(ids []ID) int {
	n := 0
	for _, id := range ids {
		if _, added := set.body.insert(id); added {
			n++
		}
	}
	return n
}

// InsertSet adds every element of other, returning the number newly added.
func (set *IDSet) InsertSet(other *IDSet) int {
	if other == set || other.Empty() {
		return 0
	}
	if set.Empty() {
		set.body.storage = slices.Clone(other.body.storage)
		return set.Len()
	}
	merged := make([]ID, 0, set.Len()+other.Len())
	a, b := set.body.storage, other.body.storage
	n := 0
	for len(a) > 0 && len(b) > 0 {
		switch {
		case a[0] == b[0]:
			merged = append(merged, a[0])
			a, b = a[1:], b[1:]
		case a[0] < b[0]:
			merged = append(merged, a[0])
			a = a[1:]
		default:
			merged = append(merged, b[0])
			b = b[1:]
			n++
		}
	}
	merged = append(merged, a...)
	n += len(b)
	merged = append(merged, b...)
	set.body.storage = merged
	return n
}

// InsertStatement iterates st and adds the value of column colNo from each
// row, returning the number newly added.
func (set *IDSet) InsertStatement(st *Statement, colNo int) (int, error) {
	n := 0
	err := st.ForEach(func(row Row) error {
		if _, added := set.body.insert(row.Int64(colNo)); added {
			n++
		}
		return nil
	})
	return n, err
}

// InsertSQL runs sql on the attached session and inserts column 0 of every
// result row, returning the number newly added.
func (set *IDSet) InsertSQL(sql string, args ...any) (int, error) {
	if err := set.checkAttached("InsertSQL"); err != nil {
		return 0, err
	}
	st, err := PrepareNew(set.body.sess, sql)
	if err != nil {
		return 0, err
	}
	defer st.Finalize()
	if err := st.BindAll(args...); err != nil {
		return 0, err
	}
	return set.InsertStatement(st, 0)
}

// Erase removes id, returning 1 when it was present.
func (set *IDSet) Erase(id ID) int { return set.body.erase(id) }

// EraseSlice removes each id from ids, returning the number removed.
func (set *IDSet) EraseSlice(ids []ID) int {
	n := 0
	for _, id := range ids {
		n += set.body.erase(id)
	}
	return n
}

// EraseSet removes every element of other, returning the number removed.
func (set *IDSet) EraseSet(other *IDSet) int {
	if set.Empty() || other.Empty() {
		return 0
	}
	if other == set {
		n := set.Len()
		set.Clear()
		return n
	}
	kept := set.body.storage[:0]
	n := 0
	for _, id := range set.body.storage {
		if other.body.contains(id) {
			n++
		} else {
			kept = append(kept, id)
		}
	}
	set.body.storage = kept
	return n
}

// EraseStatement iterates st and removes the value of column colNo from
// each row, returning the number removed.
func (set *IDSet) EraseStatement(st *Statement, colNo int) (int, error) {
	n := 0
	err := st.ForEach(func(row Row) error {
		n += set.body.erase(row.Int64(colNo))
		return nil
	})
	return n, err
}

// EraseSQL runs sql on the attached session and removes column 0 of every
// result row, returning the number removed.
func (set *IDSet) EraseSQL(sql string, args ...any) (int, error) {
	if err := set.checkAttached("EraseSQL"); err != nil {
		return 0, err
	}
	st, err := PrepareNew(set.body.sess, sql)
	if err != nil {
		return 0, err
	}
	defer st.Finalize()
	if err := st.BindAll(args...); err != nil {
		return 0, err
	}
	return set.EraseStatement(st, 0)
}

// Intersect removes every element not present in other, returning the
// number removed.
func (set *IDSet) Intersect(other *IDSet) int {
	if set.Empty() || other == set {
		return 0
	}
	if other.Empty() {
		n := set.Len()
		set.Clear()
		return n
	}
	kept := set.body.storage[:0]
	n := 0
	for _, id := range set.body.storage {
		if other.body.contains(id) {
			kept = append(kept, id)
		} else {
			n++
		}
	}
	set.body.storage = kept
	return n
}

// IntersectStatement removes every element not produced by st's column
// colNo, returning the number removed. The result set must be sorted
// ascending on that column.
func (set *IDSet) IntersectStatement(st *Statement, colNo int) (int, error) {
	if set.Empty() {
		return 0, nil
	}
	keep := make(map[ID]struct{}, set.Len())
	err := st.ForEach(func(row Row) error {
		keep[row.Int64(colNo)] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}
	kept := set.body.storage[:0]
	n := 0
	for _, id := range set.body.storage {
		if _, ok := keep[id]; ok {
			kept = append(kept, id)
		} else {
			n++
		}
	}
	set.body.storage = kept
	return n, nil
}

// SymmetricDifference removes elements present in both sets and inserts
// elements present only in other.
func (set *IDSet) SymmetricDifference(other *IDSet) {
	if other == set {
		set.Clear()
		return
	}
	if other.Empty() {
		return
	}
	merged := make([]ID, 0, set.Len()+other.Len())
	a, b := set.body.storage, other.body.storage
	for len(a) > 0 && len(b) > 0 {
		switch {
		case a[0] == b[0]:
			a, b = a[1:], b[1:]
		case a[0] < b[0]:
			merged = append(merged, a[0])
			a = a[1:]
		default:
			merged = append(merged, b[0])
			b = b[1:]
		}
	}
	merged = append(merged, a...)
	merged = append(merged, b...)
	set.body.storage = merged
}

// SymmetricDifferenceStatement applies SymmetricDifference against the
// values of column colNo of st's result, which must be sorted ascending;
// duplicate source values collapse to one occurrence.
func (set *IDSet) SymmetricDifferenceStatement(st *Statement, colNo int) error {
	other := NewIDSet()
	if _, err := other.InsertStatement(st, colNo); err != nil {
		return err
	}
	set.SymmetricDifference(other)
	return nil
}

// SymmetricDifferenceSlice applies SymmetricDifference against ids.
func (set *IDSet) SymmetricDifferenceSlice(ids []ID) {
	set.SymmetricDifference(NewIDSet(ids...))
}

// Swap exchanges the two sets' storage contents and their database
// attachments, but never their SQL names: statements previously compiled
// against either name remain valid when both sets were attached to the
// same session. Sets attached to different sessions are re-attached
// crosswise and affected statements must be re-prepared.
func (set *IDSet) Swap(other *IDSet) error {
	if other == set {
		return nil
	}
	set.body.storage, other.body.storage = other.body.storage, set.body.storage

	db, otherDB := set.body.sess, other.body.sess
	if db == otherDB {
		return nil
	}
	if err := other.Detach(); err != nil {
		return err
	}
	if db != nil {
		if err := other.Attach(db); err != nil {
			return err
		}
	}
	if err := set.Detach(); err != nil {
		return err
	}
	if otherDB != nil {
		if err := set.Attach(otherDB); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether id is in the set.
func (set *IDSet) Contains(id ID) bool { return set.body.contains(id) }

// Find returns the index of id, or -1.
func (set *IDSet) Find(id ID) int {
	pos, found := slices.BinarySearch(set.body.storage, id)
	if !found {
		return -1
	}
	return pos
}

// LowerBound returns the index of the smallest element not less than id.
func (set *IDSet) LowerBound(id ID) int {
	pos, _ := slices.BinarySearch(set.body.storage, id)
	return pos
}

// UpperBound returns the index of the smallest element greater than id.
func (set *IDSet) UpperBound(id ID) int {
	pos, found := slices.BinarySearch(set.body.storage, id)
	if found {
		return pos + 1
	}
	return pos
}

// At returns the element at index i.
func (set *IDSet) At(i int) ID { return set.body.storage[i] }

// Len returns the number of elements.
func (set *IDSet) Len() int { return len(set.body.storage) }

// Empty reports whether the set has no elements.
func (set *IDSet) Empty() bool { return len(set.body.storage) == 0 }

// Capacity returns the storage capacity.
func (set *IDSet) Capacity() int { return cap(set.body.storage) }

// Clear removes all elements; attachment is unaffected.
func (set *IDSet) Clear() { set.body.storage = set.body.storage[:0] }

// Reserve grows the storage capacity to at least n elements.
func (set *IDSet) Reserve(n int) {
	if extra := n - len(set.body.storage); extra > 0 {
		set.body.storage = slices.Grow(set.body.storage, extra)
	}
}

// ShrinkToFit drops excess storage capacity.
func (set *IDSet) ShrinkToFit() {
	set.body.storage = slices.Clip(set.body.storage)
}

// Slice returns a copy of the storage, ascending.
func (set *IDSet) Slice() []ID { return slices.Clone(set.body.storage) }

// Each invokes fn for every element in ascending order.
func (set *IDSet) Each(fn func(ID)) {
	for _, id := range set.body.storage {
		fn(id)
	}
}

// Equal reports element-wise equality. Attachment state is irrelevant.
func (set *IDSet) Equal(other *IDSet) bool {
	return set == other || slices.Equal(set.body.storage, other.body.storage)
}

// Compare orders two sets lexicographically on their storage.
func (set *IDSet) Compare(other *IDSet) int {
	if set == other {
		return 0
	}
	return slices.Compare(set.body.storage, other.body.storage)
}

// Less reports whether set orders before other.
func (set *IDSet) Less(other *IDSet) bool { return set.Compare(other) < 0 }
