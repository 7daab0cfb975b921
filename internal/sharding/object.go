package sharding

import (
	"errors"
	"sort"

	lock "github.com/viney-shih/go-lock"
)

// ErrAbort means a later transaction has already read or written the
// object, so the requesting operation is too late to proceed.
var ErrAbort = errors.New("aborted: ordering violated")

// ErrAbortedNotFound means a read was attempted against an object that has
// never been committed and has no tentative write visible to the reader.
var ErrAbortedNotFound = errors.New("aborted: object not found")

// WaitForError means the caller must suspend until the named transaction
// reaches a terminal state (commit or abort), then retry the operation.
type WaitForError struct {
	Blocking TransactionId
}

func (e *WaitForError) Error() string {
	return "waiting for " + e.Blocking.String() + " to finish"
}

// ConsistencyCheckError wraps a domain Value.Check failure discovered during
// CheckCommit or Commit.
type ConsistencyCheckError struct {
	Err error
}

func (e *ConsistencyCheckError) Error() string {
	return "consistency check failed: " + e.Err.Error()
}

func (e *ConsistencyCheckError) Unwrap() error {
	return e.Err
}

// CommitOutcome describes the result of a successful Commit call.
type CommitOutcome[V any] struct {
	Value   V
	Changed bool
}

// tentativeWrite holds the fully-materialized value a transaction would
// install on commit; the shard layer is responsible for folding successive
// diffs from the same transaction into this value before calling Write.
type tentativeWrite[V any] struct {
	value V
}

// Object is a single timestamp-ordered, concurrency-controlled value cell.
// All exported methods acquire the object's own guard, so distinct Objects
// may be operated on in parallel but a single Object never executes two
// operations concurrently. Callers must never hold one Object's guard while
// calling into another Object, which is what keeps the shard's per-object
// locking deadlock-free.
type Object[V Value[V, D], D Diff[D]] struct {
	guard lock.Mutex

	value         V
	committedTS   TransactionId
	readTS        []TransactionId          // sorted ascending, deduplicated
	tentative     map[TransactionId]*tentativeWrite[V]
	tentativeKeys []TransactionId // sorted ascending, kept in sync with tentative
}

// NewObject creates an object owned by node with no committed history.
func NewObject[V Value[V, D], D Diff[D]](node NodeId, zero V) *Object[V, D] {
	return &Object[V, D]{
		guard:       lock.NewCASMutex(),
		value:       zero,
		committedTS: DefaultTransactionId(node),
		tentative:   make(map[TransactionId]*tentativeWrite[V]),
	}
}

func (o *Object[V, D]) maxReadTS() (TransactionId, bool) {
	if len(o.readTS) == 0 {
		var zero TransactionId
		return zero, false
	}
	return o.readTS[len(o.readTS)-1], true
}

func (o *Object[V, D]) insertReadTS(id TransactionId) {
	i := sort.Search(len(o.readTS), func(i int) bool { return !o.readTS[i].Less(id) })
	if i < len(o.readTS) && o.readTS[i] == id {
		return
	}
	o.readTS = append(o.readTS, TransactionId{})
	copy(o.readTS[i+1:], o.readTS[i:])
	o.readTS[i] = id
}

func (o *Object[V, D]) removeReadTS(id TransactionId) {
	i := sort.Search(len(o.readTS), func(i int) bool { return !o.readTS[i].Less(id) })
	if i < len(o.readTS) && o.readTS[i] == id {
		o.readTS = append(o.readTS[:i], o.readTS[i+1:]...)
	}
}

func (o *Object[V, D]) insertTentativeKey(id TransactionId) {
	i := sort.Search(len(o.tentativeKeys), func(i int) bool { return !o.tentativeKeys[i].Less(id) })
	if i < len(o.tentativeKeys) && o.tentativeKeys[i] == id {
		return
	}
	o.tentativeKeys = append(o.tentativeKeys, TransactionId{})
	copy(o.tentativeKeys[i+1:], o.tentativeKeys[i:])
	o.tentativeKeys[i] = id
}

func (o *Object[V, D]) removeTentativeKey(id TransactionId) {
	i := sort.Search(len(o.tentativeKeys), func(i int) bool { return !o.tentativeKeys[i].Less(id) })
	if i < len(o.tentativeKeys) && o.tentativeKeys[i] == id {
		o.tentativeKeys = append(o.tentativeKeys[:i], o.tentativeKeys[i+1:]...)
	}
}

// largestTentativeAtMost returns the tentative write with the largest key in
// (committedTS, id], if any.
func (o *Object[V, D]) largestTentativeAtMost(id TransactionId) (TransactionId, *tentativeWrite[V], bool) {
	for i := len(o.tentativeKeys) - 1; i >= 0; i-- {
		k := o.tentativeKeys[i]
		if k.Less(id) || k == id {
			if o.committedTS.Less(k) {
				return k, o.tentative[k], true
			}
			break
		}
	}
	var zero TransactionId
	return zero, nil, false
}

// Read returns the version of the object visible to id, recording id in the
// read-timestamp set on success.
func (o *Object[V, D]) Read(id TransactionId) (V, error) {
	o.guard.Lock()
	defer o.guard.Unlock()

	var zero V
	if !o.committedTS.Less(id) {
		return zero, ErrAbort
	}

	ts, tw, found := o.largestTentativeAtMost(id)
	if !found {
		if o.committedTS.IsDefault() {
			return zero, ErrAbortedNotFound
		}
		o.insertReadTS(id)
		return o.value, nil
	}

	if ts == id {
		o.insertReadTS(id)
		return tw.value, nil
	}

	return zero, &WaitForError{Blocking: ts}
}

// Write installs value as the fully-materialized tentative write for id. The
// caller (the shard layer) is responsible for folding value as
// committed-or-prior-tentative.Apply(accumulated diff) before calling this.
func (o *Object[V, D]) Write(id TransactionId, value V) error {
	o.guard.Lock()
	defer o.guard.Unlock()

	mrt, hasMRT := o.maxReadTS()
	isAfterMRT := !hasMRT || !id.Less(mrt)

	if isAfterMRT && o.committedTS.Less(id) {
		if tw, ok := o.tentative[id]; ok {
			tw.value = value
		} else {
			o.tentative[id] = &tentativeWrite[V]{value: value}
			o.insertTentativeKey(id)
		}
		return nil
	}
	return ErrAbort
}

// CurrentTentative returns the fully-materialized value currently pending
// for id, or the committed value with ok=false if id has no tentative write
// yet. The shard layer uses this to fold a new diff onto the right base
// value before calling Write.
func (o *Object[V, D]) CurrentTentative(id TransactionId) (value V, hasPending bool) {
	o.guard.Lock()
	defer o.guard.Unlock()

	if tw, ok := o.tentative[id]; ok {
		return tw.value, true
	}
	return o.value, false
}

// Committed returns the last committed value and its writer.
func (o *Object[V, D]) Committed() (V, TransactionId) {
	o.guard.Lock()
	defer o.guard.Unlock()
	return o.value, o.committedTS
}

// CheckCommitResult mirrors the three-way outcome of checking whether id can
// commit on this object.
type CheckCommitResult int

const (
	// NothingToCommit means id never wrote this object; it is not part of
	// this object's commit.
	NothingToCommit CheckCommitResult = iota
	// ReadyToCommit means id is the oldest pending writer and its value
	// passed the consistency check.
	ReadyToCommit
)

// CheckCommit reports whether id is ready to commit against this object,
// without mutating any state.
func (o *Object[V, D]) CheckCommit(id TransactionId) (CheckCommitResult, error) {
	o.guard.Lock()
	defer o.guard.Unlock()
	return o.checkCommitLocked(id)
}

func (o *Object[V, D]) checkCommitLocked(id TransactionId) (CheckCommitResult, error) {
	tw, ok := o.tentative[id]
	if !ok {
		return NothingToCommit, nil
	}

	first := o.tentativeKeys[0]
	if first != id {
		return NothingToCommit, &WaitForError{Blocking: first}
	}

	if err := tw.value.Check(); err != nil {
		return NothingToCommit, &ConsistencyCheckError{Err: err}
	}
	return ReadyToCommit, nil
}

// Commit applies id's tentative write if it passes CheckCommit. Changed is
// false when id had nothing pending for this object.
func (o *Object[V, D]) Commit(id TransactionId) (CommitOutcome[V], error) {
	o.guard.Lock()
	defer o.guard.Unlock()

	result, err := o.checkCommitLocked(id)
	if err != nil {
		return CommitOutcome[V]{Value: o.value}, err
	}
	if result == NothingToCommit {
		return CommitOutcome[V]{Value: o.value, Changed: false}, nil
	}

	tw := o.tentative[id]
	delete(o.tentative, id)
	o.removeTentativeKey(id)
	o.committedTS = id
	o.value = tw.value

	// Read marks at or below the new committed timestamp can no longer
	// reject any write, which must already sort after committedTS.
	i := sort.Search(len(o.readTS), func(i int) bool { return id.Less(o.readTS[i]) })
	o.readTS = o.readTS[i:]

	return CommitOutcome[V]{Value: o.value, Changed: true}, nil
}

// CanReap reports whether this object can be dropped from its shard after
// aborting abortingID: it has never committed and has no other pending
// writers.
func (o *Object[V, D]) CanReap(abortingID TransactionId) bool {
	o.guard.Lock()
	defer o.guard.Unlock()

	onlyViolation := len(o.tentative) == 1
	if onlyViolation {
		if _, ok := o.tentative[abortingID]; !ok {
			onlyViolation = false
		}
	}
	return o.committedTS.IsDefault() && (len(o.tentative) == 0 || onlyViolation)
}

// Abort discards any tentative write and read mark id left on this object.
// It never fails.
func (o *Object[V, D]) Abort(id TransactionId) {
	o.guard.Lock()
	defer o.guard.Unlock()

	if _, ok := o.tentative[id]; ok {
		delete(o.tentative, id)
		o.removeTentativeKey(id)
	}
	o.removeReadTS(id)
}
