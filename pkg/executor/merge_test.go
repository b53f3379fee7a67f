package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/lock"
	"github.com/dimsync/dimsync/pkg/scd"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const artistChanges = `{"key": 1, "seq": 1, "name": "Nina"}
{"key": 1, "seq": 3, "name": "Nina Simone"}
{"key": 2, "seq": 2, "name": "Miles"}
`

func mergeFixture(t *testing.T, dryRun bool) (*MergeOperator, *store.Memory, *job.Job) {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "landing/artists.ndjson", []byte(artistChanges), 0o644))

	mem := store.NewMemory()
	stores := func(_ context.Context, connection string) (store.Store, error) {
		if connection != "warehouse" {
			return nil, errors.New("unknown connection " + connection)
		}
		return mem, nil
	}

	logger := zap.NewNop().Sugar()
	op := NewMergeOperator(fs, scd.NewEngine(logger, scd.WithBackoff(0)), lock.NewLocal(), stores, nil, logger, dryRun)

	p := &job.Pipeline{
		Name:              "gold",
		DefaultConnection: "warehouse",
		Jobs: []*job.Job{{
			Name:            "dim_artist",
			StoredAsSCDType: job.ModeType2,
			Keys:            []string{"key"},
			SequenceBy:      "seq",
			Source:          job.Source{Type: "ndjson", Path: "landing/*.ndjson"},
		}},
	}
	return op, mem, p.Resolve(p.Jobs[0])
}

func TestMergeOperator_Run(t *testing.T) {
	t.Parallel()

	op, mem, j := mergeFixture(t, false)

	report, err := op.Run(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Counts.Inserted)
	assert.Equal(t, 1, report.Counts.Closed)

	rows := mem.MemoryTable("dim_artist").All()
	require.Len(t, rows, 3)
	assert.Equal(t, "Nina Simone", rows[1].Attributes["name"])
	assert.True(t, rows[1].IsCurrent())

	again, err := op.Run(context.Background(), j)
	require.NoError(t, err)
	assert.False(t, again.Committed)
	assert.Len(t, mem.MemoryTable("dim_artist").All(), 3)
}

func TestMergeOperator_DryRunLeavesTableEmpty(t *testing.T) {
	t.Parallel()

	op, mem, j := mergeFixture(t, true)

	report, err := op.Run(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.False(t, report.Committed)
	assert.Equal(t, 3, report.Counts.Inserted)
	assert.Empty(t, mem.MemoryTable("dim_artist").All())
}

func TestMergeOperator_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(j *job.Job)
		wantErr string
	}{
		{
			name:    "unknown connection",
			mutate:  func(j *job.Job) { j.Connection = "lake" },
			wantErr: "unknown connection lake",
		},
		{
			name:    "missing files",
			mutate:  func(j *job.Job) { j.Source.Path = "landing/*.json" },
			wantErr: "no files match",
		},
		{
			name:    "sql source without opener",
			mutate:  func(j *job.Job) { j.Source = job.Source{Type: "sql", Query: "select 1"} },
			wantErr: "requires a database connection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			op, _, j := mergeFixture(t, false)
			tt.mutate(j)

			_, err := op.Run(context.Background(), j)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
