// Package sharding implements the per-node, in-memory, timestamp-ordered
// concurrency engine: a shard owns a partition of the keyspace, and every
// key in that partition maps to an Object that serializes its own
// read/write/commit/abort history.
package sharding

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nkaush/sharded-distributed-txns/internal/obs"
)

// Changed describes one key whose committed value changed as a result of a
// Commit call.
type Changed struct {
	Key   string
	Value Balance
}

// Shard owns one partition of the keyspace. Its own registry lock only ever
// guards the objects map itself (insertion/lookup/eviction); the bulk of the
// concurrency control lives in each Object's own guard, so operations on
// distinct keys never contend with each other here.
type Shard struct {
	node NodeId

	mu      sync.RWMutex
	objects map[string]*Object[Balance, BalanceDiff]

	touchedMu sync.Mutex
	touched   map[TransactionId]map[string]struct{}

	bus     *TerminationBus
	journal *Journal
}

// NewShard creates an empty shard owned by node with journaling disabled.
func NewShard(node NodeId) *Shard {
	return NewShardWithJournal(node, NewJournal("", false))
}

// NewShardWithJournal creates an empty shard owned by node, recording every
// commit and abort to journal. Pass a disabled Journal (the common case) to
// skip the observability overhead entirely.
func NewShardWithJournal(node NodeId, journal *Journal) *Shard {
	return &Shard{
		node:    node,
		objects: make(map[string]*Object[Balance, BalanceDiff]),
		touched: make(map[TransactionId]map[string]struct{}),
		bus:     NewTerminationBus(),
		journal: journal,
	}
}

func (s *Shard) getOrCreate(key string) *Object[Balance, BalanceDiff] {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if ok {
		return obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok = s.objects[key]; ok {
		return obj
	}
	obj = NewObject[Balance, BalanceDiff](s.node, 0)
	s.objects[key] = obj
	return obj
}

func (s *Shard) markTouched(id TransactionId, key string) {
	s.touchedMu.Lock()
	defer s.touchedMu.Unlock()
	keys, ok := s.touched[id]
	if !ok {
		keys = make(map[string]struct{})
		s.touched[id] = keys
	}
	keys[key] = struct{}{}
}

func (s *Shard) touchedKeys(id TransactionId) []string {
	s.touchedMu.Lock()
	defer s.touchedMu.Unlock()
	keys := make([]string, 0, len(s.touched[id]))
	for k := range s.touched[id] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Shard) forgetTouched(id TransactionId) {
	s.touchedMu.Lock()
	defer s.touchedMu.Unlock()
	delete(s.touched, id)
}

// Read returns the value of key as visible to id, suspending on any
// WaitFor dependency until it resolves.
func (s *Shard) Read(ctx context.Context, id TransactionId, key string) (Balance, error) {
	for {
		obj := s.getOrCreate(key)
		v, err := obj.Read(id)
		if err == nil {
			s.markTouched(id, key)
			return v, nil
		}

		var waitErr *WaitForError
		if errors.As(err, &waitErr) {
			if waitErr.Blocking == id {
				return 0, ErrAbort
			}
			if werr := s.bus.WaitFor(ctx, waitErr.Blocking); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

// Write folds diff onto the value id currently sees for key (its own
// pending write if any, else the committed value) and installs the result
// as id's tentative write.
func (s *Shard) Write(ctx context.Context, id TransactionId, key string, diff BalanceDiff) error {
	obj := s.getOrCreate(key)
	base, _ := obj.CurrentTentative(id)
	next := base.Apply(diff)
	if err := obj.Write(id, next); err != nil {
		return err
	}
	s.markTouched(id, key)
	obs.Tracef("shard %s: %s wrote key=%s -> %d", s.node, id, key, next)
	return nil
}

// CheckCommit reports whether every object id wrote passes its consistency
// check, suspending on WaitFor dependencies as needed. It never mutates
// state.
func (s *Shard) CheckCommit(ctx context.Context, id TransactionId) error {
	for _, key := range s.touchedKeys(id) {
		obj := s.getOrCreate(key)
		for {
			result, err := obj.CheckCommit(id)
			if err == nil {
				_ = result
				break
			}

			var waitErr *WaitForError
			if errors.As(err, &waitErr) {
				if werr := s.bus.WaitFor(ctx, waitErr.Blocking); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
	}
	return nil
}

// Commit applies id's tentative writes across every object it touched. The
// caller must have already obtained agreement from every shard in the
// transaction (see the coordinator's two-phase commit aggregation) before
// calling this; Commit itself re-validates via CheckCommit to stay safe if
// called directly.
func (s *Shard) Commit(ctx context.Context, id TransactionId) ([]Changed, error) {
	if err := s.CheckCommit(ctx, id); err != nil {
		return nil, err
	}

	keys := s.touchedKeys(id)
	var changed []Changed
	for _, key := range keys {
		obj := s.getOrCreate(key)
		outcome, err := obj.Commit(id)
		if err != nil {
			// CheckCommit above already validated every key; a failure here
			// means another goroutine mutated this id concurrently, which
			// would be a caller bug (ids are single-writer by construction).
			return changed, err
		}
		if outcome.Changed {
			changed = append(changed, Changed{Key: key, Value: outcome.Value})
		}
	}

	s.forgetTouched(id)
	s.journal.RecordCommit(id, keys)
	s.bus.Signal(id)
	return changed, nil
}

// Abort discards every tentative write and read mark id left behind, then
// evicts any object that never held a committed value and now has no other
// pending writers.
func (s *Shard) Abort(id TransactionId) {
	keys := s.touchedKeys(id)
	for _, key := range keys {
		obj := s.getOrCreate(key)
		obj.Abort(id)

		if obj.CanReap(id) {
			s.mu.Lock()
			if o2, ok := s.objects[key]; ok && o2 == obj && obj.CanReap(id) {
				delete(s.objects, key)
			}
			s.mu.Unlock()
		}
	}

	s.forgetTouched(id)
	s.journal.RecordAbort(id)
	s.bus.Signal(id)
}
