package scd

import (
	"context"
	"testing"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func records(fields ...map[string]any) []change.Record {
	out := make([]change.Record, 0, len(fields))
	for _, f := range fields {
		out = append(out, change.NewRecord(f))
	}
	return out
}

func type1Job(name string) *job.Job {
	return &job.Job{
		Name:            name,
		StoredAsSCDType: job.ModeType1,
		Keys:            []string{"key"},
		SequenceBy:      "seq",
	}
}

func type2Job(name string) *job.Job {
	return &job.Job{
		Name:            name,
		StoredAsSCDType: job.ModeType2,
		Keys:            []string{"key"},
		SequenceBy:      "seq",
	}
}

func newTestEngine() *Engine {
	return NewEngine(zap.NewNop().Sugar(), WithConcurrency(4), WithBackoff(0))
}

func history(t *testing.T, tbl store.Table, key change.Key) []*store.Row {
	t.Helper()

	var rows []*store.Row
	for r, err := range tbl.HistoryFor(context.Background(), key) {
		require.NoError(t, err)
		rows = append(rows, r)
	}
	return rows
}

// requireWellFormedHistory checks that versions of every key are contiguous,
// never overlap, and that at most one of them is current.
func requireWellFormedHistory(t *testing.T, rows []*store.Row) {
	t.Helper()

	byKey := map[string][]*store.Row{}
	for _, r := range rows {
		byKey[r.Key.String()] = append(byKey[r.Key.String()], r)
	}

	for ks, versions := range byKey {
		current := 0
		for i, r := range versions {
			if r.IsCurrent() {
				current++
				require.Equal(t, len(versions)-1, i, "only the last version of %s may be current", ks)
				continue
			}
			c, err := change.Compare(r.ValidFrom, r.ValidTo)
			require.NoError(t, err)
			require.Negative(t, c, "empty interval for %s", ks)
			if i+1 < len(versions) {
				require.True(t, change.Equal(r.ValidTo, versions[i+1].ValidFrom), "gap or overlap for %s", ks)
			}
		}
		require.LessOrEqual(t, current, 1, "more than one current version for %s", ks)
	}
}
