package scd

import (
	"runtime"
	"sort"
	"strconv"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

var rowNamespace = uuid.MustParse("6f1d2c1e-6a53-4f0e-9b3e-7d8c2a4b5e10")

// Counts tallies what a run decided to do.
type Counts struct {
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Closed     int `json:"closed"`
	Deleted    int `json:"deleted"`
	Unchanged  int `json:"unchanged"`
	Rejected   int `json:"rejected"`
	Superseded int `json:"superseded"`
}

func (c *Counts) add(o Counts) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Closed += o.Closed
	c.Deleted += o.Deleted
	c.Unchanged += o.Unchanged
	c.Rejected += o.Rejected
	c.Superseded += o.Superseded
}

// LateRecord is a change that arrived behind an already applied version and
// was rejected instead of rewriting history.
type LateRecord struct {
	Key      string
	Position int
	Sequence any
	// Boundary is the stored value the record had to be newer than.
	Boundary any
}

// Plan is the outcome of merging one prepared batch with one snapshot.
type Plan struct {
	Set         *store.MutationSet
	Counts      Counts
	KeyErrors   []*KeyError
	LateRecords []LateRecord
}

type keyPlan struct {
	keyStr    string
	mutations []store.Mutation
	counts    Counts
	late      []LateRecord
	err       error
}

func (kp *keyPlan) reject(e entry, boundary any) {
	kp.counts.Rejected++
	kp.late = append(kp.late, LateRecord{Key: kp.keyStr, Position: e.position, Sequence: e.sequence, Boundary: boundary})
}

// BuildPlan decides the mutations for every key of the batch. Keys are
// independent, so they are planned in parallel; the result is deterministic
// and depends only on the job, the batch and the snapshot.
func BuildPlan(j *job.Job, prepared *Prepared, snap *store.Snapshot, concurrency int) *Plan {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	p := pool.NewWithResults[*keyPlan]().WithMaxGoroutines(concurrency)
	for _, g := range prepared.groups {
		latest := snap.Latest[g.keyStr]
		p.Go(func() *keyPlan {
			if j.StoredAsSCDType == job.ModeType1 {
				return planType1(j, g, latest)
			}
			return planType2(j, g, latest)
		})
	}
	results := p.Wait()
	sort.Slice(results, func(a, b int) bool { return results[a].keyStr < results[b].keyStr })

	plan := &Plan{Set: &store.MutationSet{Expected: map[string]int64{}}}
	for _, kp := range results {
		plan.LateRecords = append(plan.LateRecords, kp.late...)
		if kp.err != nil {
			plan.KeyErrors = append(plan.KeyErrors, &KeyError{Key: kp.keyStr, Err: kp.err})
			continue
		}
		plan.Counts.add(kp.counts)
		if len(kp.mutations) == 0 {
			continue
		}
		plan.Set.Mutations = append(plan.Set.Mutations, kp.mutations...)
		plan.Set.Expected[kp.keyStr] = snap.Versions[kp.keyStr]
	}

	return plan
}

// rowID derives a stable identifier for a version so that planning the same
// batch against the same snapshot always yields the same rows.
func rowID(table, keyStr string, ordinal int64) string {
	return uuid.NewSHA1(rowNamespace, []byte(table+"\x00"+keyStr+"\x00"+strconv.FormatInt(ordinal, 10))).String()
}

func newRow(j *job.Job, g *group, ordinal int64, e entry) *store.Row {
	return &store.Row{
		ID:         rowID(j.TargetTable(), g.keyStr, ordinal),
		Key:        g.key,
		Attributes: cloneAttrs(e.attrs),
		ValidFrom:  e.sequence,
		Ordinal:    ordinal,
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// trackedEqual reports whether two attribute sets agree on every tracked
// column. Absent columns read as null.
func trackedEqual(j *job.Job, a, b map[string]any) bool {
	for name, av := range a {
		if j.Tracks(name) && !change.Equal(av, b[name]) {
			return false
		}
	}
	for name, bv := range b {
		if _, seen := a[name]; seen {
			continue
		}
		if j.Tracks(name) && !change.Equal(nil, bv) {
			return false
		}
	}
	return true
}
