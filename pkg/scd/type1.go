package scd

import (
	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/pkg/errors"
)

// planType1 keeps a single row per key holding the state with the greatest
// sequence value ever observed. Among records sharing the greatest sequence
// value, the last one in arrival order wins.
func planType1(j *job.Job, g *group, stored *store.Row) *keyPlan {
	kp := &keyPlan{keyStr: g.keyStr}

	pick := g.entries[0]
	for _, e := range g.entries[1:] {
		c, err := change.Compare(e.sequence, pick.sequence)
		if err != nil {
			kp.err = err
			return kp
		}
		if c >= 0 {
			pick = e
		}
	}
	kp.counts.Superseded = len(g.entries) - 1

	if stored == nil {
		row := newRow(j, g, 1, pick)
		if pick.delete {
			// keep a tombstone so stale upserts replayed later stay rejected
			row.ValidTo = pick.sequence
			kp.counts.Deleted++
		} else {
			kp.counts.Inserted++
		}
		kp.mutations = append(kp.mutations, store.Mutation{Kind: store.MutationInsert, Row: row})
		return kp
	}

	c, err := change.Compare(pick.sequence, stored.ValidFrom)
	if err != nil {
		kp.err = errors.Wrap(err, "cannot compare with the stored sequence marker")
		return kp
	}
	if c <= 0 {
		kp.reject(pick, stored.ValidFrom)
		return kp
	}

	row := stored.Clone()
	row.ValidFrom = pick.sequence
	row.Attributes = cloneAttrs(pick.attrs)

	kind := store.MutationUpdate
	switch {
	case pick.delete:
		row.ValidTo = pick.sequence
		if stored.IsCurrent() {
			kp.counts.Deleted++
		} else {
			kind = store.MutationTouch
			kp.counts.Unchanged++
		}
	case !stored.IsCurrent():
		row.ValidTo = nil
		kp.counts.Updated++
	case trackedEqual(j, stored.Attributes, pick.attrs):
		kind = store.MutationTouch
		kp.counts.Unchanged++
	default:
		kp.counts.Updated++
	}

	kp.mutations = append(kp.mutations, store.Mutation{Kind: kind, Row: row})
	return kp
}
