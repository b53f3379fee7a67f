package scd

import (
	"sort"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/pkg/errors"
)

// planType2 walks the key's changes in sequence order against its latest
// stored version. A change newer than the current version with different
// tracked attributes closes it and opens a new one; anything at or behind the
// current version's start is rejected, closed intervals are never rewritten.
func planType2(j *job.Job, g *group, stored *store.Row) *keyPlan {
	kp := &keyPlan{keyStr: g.keyStr}

	entries, superseded, err := orderEntries(g.entries)
	if err != nil {
		kp.err = err
		return kp
	}
	kp.counts.Superseded = superseded

	var (
		latest  *store.Row
		current *store.Row
		ordinal int64
		opened  []*store.Row
	)
	if stored != nil {
		current = stored.Clone()
		latest = current
		ordinal = stored.Ordinal
	}

	for _, e := range entries {
		if latest != nil && latest.IsCurrent() {
			c, err := change.Compare(e.sequence, latest.ValidFrom)
			if err != nil {
				kp.err = errors.Wrap(err, "cannot compare with the current version")
				return kp
			}
			if c <= 0 {
				kp.reject(e, latest.ValidFrom)
				continue
			}

			if !e.delete && trackedEqual(j, latest.Attributes, e.attrs) {
				kp.counts.Unchanged++
				continue
			}

			latest.ValidTo = e.sequence
			kp.counts.Closed++

			if e.delete {
				kp.counts.Deleted++
				continue
			}
		} else if latest != nil {
			// the key was deleted; only changes from the deletion onwards count
			c, err := change.Compare(e.sequence, latest.ValidTo)
			if err != nil {
				kp.err = errors.Wrap(err, "cannot compare with the deleted version")
				return kp
			}
			if c < 0 {
				kp.reject(e, latest.ValidTo)
				continue
			}
			if e.delete {
				kp.counts.Unchanged++
				continue
			}
		} else if e.delete {
			kp.counts.Unchanged++
			continue
		}

		ordinal++
		latest = newRow(j, g, ordinal, e)
		opened = append(opened, latest)
		kp.counts.Inserted++
	}

	if stored != nil && stored.IsCurrent() && !current.IsCurrent() {
		kp.mutations = append(kp.mutations, store.Mutation{Kind: store.MutationClose, Row: current})
	}
	for _, r := range opened {
		kp.mutations = append(kp.mutations, store.Mutation{Kind: store.MutationInsert, Row: r})
	}

	return kp
}

// orderEntries sorts a key's changes by sequence value, keeping arrival order
// among equal values, and keeps only the last of each run of equal values.
// The last arrival wins a tie: a strict walk in arrival order would open a
// version with the first one and then reject the rest as not newer than the
// current start. The dropped entries are counted as superseded.
func orderEntries(in []entry) ([]entry, int, error) {
	entries := append([]entry(nil), in...)

	var cmpErr error
	sort.SliceStable(entries, func(a, b int) bool {
		c, err := change.Compare(entries[a].sequence, entries[b].sequence)
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		return c < 0
	})
	if cmpErr != nil {
		return nil, 0, cmpErr
	}

	out := entries[:0:0]
	for i, e := range entries {
		if i+1 < len(entries) {
			if c, _ := change.Compare(e.sequence, entries[i+1].sequence); c == 0 {
				continue
			}
		}
		out = append(out, e)
	}
	return out, len(entries) - len(out), nil
}
