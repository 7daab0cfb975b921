package sharding

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tidwall/wal"

	"github.com/nkaush/sharded-distributed-txns/internal/obs"
)

// Journal is an optional, disabled-by-default append-only record of every
// commit and abort a shard processes. It exists purely for operator
// observability: nothing in this module ever reads it back, so it carries
// no durability or recovery guarantee and must never be treated as one.
type Journal struct {
	enabled bool
	mu      sync.Mutex
	log     *wal.Log
	index   uint64
	buffer  *wal.Batch
}

type journalEntry struct {
	Kind string `json:"kind"` // "commit" or "abort"
	Tx   string `json:"tx"`
	Keys []string `json:"keys,omitempty"`
}

// NewJournal opens (or creates) an append-only log at path. Pass enabled =
// false to get an inert journal that costs nothing on the hot path; this is
// the default for every shard unless explicitly turned on in configuration.
func NewJournal(path string, enabled bool) *Journal {
	j := &Journal{enabled: enabled}
	if !enabled {
		return j
	}

	l, err := wal.Open(path, nil)
	if err != nil {
		panic(err)
	}
	j.log = l
	j.buffer = &wal.Batch{}
	idx, err := l.LastIndex()
	if err != nil {
		panic(err)
	}
	j.index = idx
	return j
}

func (j *Journal) append(entry journalEntry) {
	if !j.enabled {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		obs.Warn(false, "journal: failed to marshal entry: "+err.Error())
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.index++
	j.buffer.Write(j.index, b)
	if err := j.log.WriteBatch(j.buffer); err != nil {
		panic(err)
	}
	j.buffer.Clear()
}

// RecordCommit appends a line noting that tx committed, touching keys.
func (j *Journal) RecordCommit(tx TransactionId, keys []string) {
	j.append(journalEntry{Kind: "commit", Tx: tx.String(), Keys: keys})
}

// RecordAbort appends a line noting that tx aborted.
func (j *Journal) RecordAbort(tx TransactionId) {
	j.append(journalEntry{Kind: "abort", Tx: tx.String()})
}

func (e journalEntry) String() string {
	return fmt.Sprintf("%s %s %v", e.Kind, e.Tx, e.Keys)
}
