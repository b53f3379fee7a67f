package store

import (
	"context"
	"iter"

	"github.com/dimsync/dimsync/pkg/change"
)

// Row is one stored version of an entity.
//
// For SCD Type 2 tables every version carries its validity interval
// [ValidFrom, ValidTo); ValidTo is nil while the version is current. For SCD
// Type 1 tables there is a single row per key whose ValidFrom is the sequence
// marker of the latest applied change; a non-nil ValidTo marks a deleted key.
type Row struct {
	ID         string
	Key        change.Key
	Attributes map[string]any
	ValidFrom  any
	ValidTo    any
	// Ordinal numbers the versions of a key from 1 in ValidFrom order.
	Ordinal int64
}

func (r *Row) IsCurrent() bool {
	return r.ValidTo == nil
}

// Clone returns a deep enough copy for the caller to mutate freely.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Key = append(change.Key(nil), r.Key...)
	c.Attributes = make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// Snapshot is a consistent read of the latest version of a set of keys.
type Snapshot struct {
	// Latest maps a key's canonical string to its newest version: the current
	// row, or the last closed row when the key has been deleted.
	Latest map[string]*Row
	// Versions maps a key's canonical string to the version token read. Keys
	// that were never written have token 0.
	Versions map[string]int64
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Latest:   map[string]*Row{},
		Versions: map[string]int64{},
	}
}

type MutationKind string

const (
	// MutationInsert adds a new row. Type 2 rows opened and closed inside the
	// same run are inserted with ValidTo already set.
	MutationInsert MutationKind = "insert"
	// MutationUpdate overwrites the attributes and sequence marker of an
	// existing Type 1 row.
	MutationUpdate MutationKind = "update"
	// MutationClose sets ValidTo on an existing row.
	MutationClose MutationKind = "close"
	// MutationTouch advances the sequence marker and untracked attributes of a
	// Type 1 row without counting as a change.
	MutationTouch MutationKind = "touch"
)

type Mutation struct {
	Kind MutationKind
	Row  *Row
}

// MutationSet is everything one run wants to change, applied atomically.
type MutationSet struct {
	Mutations []Mutation
	// Expected holds the version token each mutated key had in the snapshot
	// the mutations were computed from.
	Expected map[string]int64
}

func (m *MutationSet) Empty() bool {
	return m == nil || len(m.Mutations) == 0
}

type CommitResult struct {
	Applied int
	Keys    int
}

// Table is the persisted representation of one dimension or fact entity.
type Table interface {
	Name() string
	CurrentRowsFor(ctx context.Context, keys []change.Key) (*Snapshot, error)
	ApplyMutations(ctx context.Context, set *MutationSet) (*CommitResult, error)
	HistoryFor(ctx context.Context, key change.Key) iter.Seq2[*Row, error]
}

// Store hands out tables, creating their backing storage on first use.
type Store interface {
	Table(ctx context.Context, name string) (Table, error)
}
