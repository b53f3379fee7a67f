package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/pkg/errors"
)

// Memory is an in-process Store. Each table serializes its commits and hands
// out copies, so readers only ever observe fully committed runs.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*MemoryTable
}

func NewMemory() *Memory {
	return &Memory{tables: map[string]*MemoryTable{}}
}

func (m *Memory) Table(_ context.Context, name string) (Table, error) {
	return m.MemoryTable(name), nil
}

// MemoryTable returns the concrete table, creating it when missing.
func (m *Memory) MemoryTable(name string) *MemoryTable {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[name]
	if !ok {
		t = &MemoryTable{
			name:     name,
			history:  map[string][]*Row{},
			versions: map[string]int64{},
		}
		m.tables[name] = t
	}
	return t
}

type MemoryTable struct {
	name string

	mu       sync.RWMutex
	history  map[string][]*Row
	versions map[string]int64
}

func (t *MemoryTable) Name() string {
	return t.name
}

func (t *MemoryTable) CurrentRowsFor(ctx context.Context, keys []change.Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := NewSnapshot()
	for _, k := range keys {
		ks := k.String()
		snap.Versions[ks] = t.versions[ks]
		rows := t.history[ks]
		if len(rows) > 0 {
			snap.Latest[ks] = rows[len(rows)-1].Clone()
		}
	}
	return snap, nil
}

func (t *MemoryTable) ApplyMutations(ctx context.Context, set *MutationSet) (*CommitResult, error) {
	if set.Empty() {
		return &CommitResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var conflicts []string
	for ks, expected := range set.Expected {
		if t.versions[ks] != expected {
			conflicts = append(conflicts, ks)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, &ConflictError{Table: t.name, Keys: conflicts}
	}

	// stage every change on copies first so a bad mutation leaves no trace
	staged := map[string][]*Row{}
	for _, m := range set.Mutations {
		ks := m.Row.Key.String()
		if _, ok := set.Expected[ks]; !ok {
			return nil, errors.Errorf("mutation for key %s has no expected version", ks)
		}

		rows, ok := staged[ks]
		if !ok {
			for _, r := range t.history[ks] {
				rows = append(rows, r.Clone())
			}
		}

		switch m.Kind {
		case MutationInsert:
			rows = append(rows, m.Row.Clone())
		case MutationUpdate, MutationTouch, MutationClose:
			idx := indexOfRow(rows, m.Row.ID)
			if idx < 0 {
				return nil, errors.Errorf("cannot %s row %s of key %s: row does not exist", m.Kind, m.Row.ID, ks)
			}
			if m.Kind == MutationClose {
				rows[idx].ValidTo = m.Row.ValidTo
			} else {
				rows[idx] = m.Row.Clone()
			}
		default:
			return nil, errors.Errorf("unknown mutation kind '%s'", m.Kind)
		}
		staged[ks] = rows
	}

	for ks, rows := range staged {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Ordinal < rows[j].Ordinal })
		t.history[ks] = rows
	}
	for ks := range set.Expected {
		t.versions[ks]++
	}

	return &CommitResult{Applied: len(set.Mutations), Keys: len(set.Expected)}, nil
}

func indexOfRow(rows []*Row, id string) int {
	for i, r := range rows {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// HistoryFor yields every version of the key ordered by ValidFrom. Each range
// over the returned sequence reads the committed state afresh.
func (t *MemoryTable) HistoryFor(ctx context.Context, key change.Key) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		t.mu.RLock()
		src := t.history[key.String()]
		rows := make([]*Row, len(src))
		for i, r := range src {
			rows[i] = r.Clone()
		}
		t.mu.RUnlock()

		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// All returns a copy of every stored row, ordered by key and version.
func (t *MemoryTable) All() []*Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.history))
	for ks := range t.history {
		keys = append(keys, ks)
	}
	sort.Strings(keys)

	var out []*Row
	for _, ks := range keys {
		for _, r := range t.history[ks] {
			out = append(out, r.Clone())
		}
	}
	return out
}
