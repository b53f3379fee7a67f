package scd

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/quality"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockTable struct {
	mock.Mock
}

func (m *mockTable) Name() string {
	return "dim_user"
}

func (m *mockTable) CurrentRowsFor(ctx context.Context, keys []change.Key) (*store.Snapshot, error) {
	args := m.Called(ctx, keys)
	snap, _ := args.Get(0).(*store.Snapshot)
	return snap, args.Error(1)
}

func (m *mockTable) ApplyMutations(ctx context.Context, set *store.MutationSet) (*store.CommitResult, error) {
	args := m.Called(ctx, set)
	res, _ := args.Get(0).(*store.CommitResult)
	return res, args.Error(1)
}

func (m *mockTable) HistoryFor(context.Context, change.Key) iter.Seq2[*store.Row, error] {
	return func(func(*store.Row, error) bool) {}
}

func TestEngine_DropsRecordsFailingExpectations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tbl := store.NewMemory().MemoryTable("dim_user")
	j := type2Job("dim_user")
	j.Keys = []string{"business_key"}
	j.Expectations = []quality.Expectation{{Name: "valid_key", Expression: "business_key IS NOT NULL"}}

	var batch []map[string]any
	for i := 1; i <= 9; i++ {
		batch = append(batch, map[string]any{"business_key": i, "seq": 1, "name": "user"})
		if i == 4 {
			batch = append(batch, map[string]any{"business_key": nil, "seq": 1, "name": "ghost"})
		}
	}

	report, err := newTestEngine().Run(ctx, j, tbl, records(batch...))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	assert.Equal(t, 1, report.DroppedTotal())
	assert.Equal(t, map[string]int{DropExpectation("valid_key"): 1}, report.Dropped)
	assert.Equal(t, 9, report.Counts.Inserted)
	assert.Len(t, tbl.All(), 9)
}

// racingTable lets another writer commit between this run's snapshot read
// and its first commit.
type racingTable struct {
	*store.MemoryTable
	once   sync.Once
	before func()
}

func (r *racingTable) ApplyMutations(ctx context.Context, set *store.MutationSet) (*store.CommitResult, error) {
	r.once.Do(r.before)
	return r.MemoryTable.ApplyMutations(ctx, set)
}

func TestEngine_ConcurrentRunsOnTheSameKeyRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shared := store.NewMemory().MemoryTable("dim_user")
	e := newTestEngine()
	j := type2Job("dim_user")

	var otherReport *Report
	var otherErr error
	tbl := &racingTable{
		MemoryTable: shared,
		before: func() {
			otherReport, otherErr = e.Run(ctx, j, shared, records(map[string]any{"key": 7, "seq": 1, "name": "first"}))
		},
	}

	report, err := e.Run(ctx, j, tbl, records(map[string]any{"key": 7, "seq": 2, "name": "second"}))
	require.NoError(t, err)
	require.NoError(t, otherErr)

	assert.Equal(t, 1, otherReport.Attempts)
	assert.Equal(t, 2, report.Attempts)
	assert.True(t, report.Committed)
	assert.Equal(t, Counts{Inserted: 1, Closed: 1}, report.Counts)

	rows := history(t, shared, change.Key{int64(7)})
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Attributes["name"])
	assert.Equal(t, "second", rows[1].Attributes["name"])
	requireWellFormedHistory(t, shared.All())
}

func TestEngine_RetryBound(t *testing.T) {
	t.Parallel()

	conflict := &store.ConflictError{Table: "dim_user", Keys: []string{"i:1"}}
	unavailable := &store.StoreUnavailableError{Table: "dim_user", Err: errors.New("connection refused")}

	tests := []struct {
		name         string
		maxRetries   int
		commitErrs   []error
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "commit after two conflicts",
			maxRetries:   3,
			commitErrs:   []error{conflict, conflict, nil},
			wantAttempts: 3,
		},
		{
			name:         "store comes back",
			maxRetries:   2,
			commitErrs:   []error{unavailable, nil},
			wantAttempts: 2,
		},
		{
			name:         "conflicts exhaust the bound",
			maxRetries:   1,
			commitErrs:   []error{conflict, conflict},
			wantErr:      true,
			wantAttempts: 2,
		},
		{
			name:         "retries disabled",
			maxRetries:   -1,
			commitErrs:   []error{unavailable},
			wantErr:      true,
			wantAttempts: 1,
		},
		{
			name:         "other errors are not retried",
			maxRetries:   3,
			commitErrs:   []error{errors.New("disk full")},
			wantErr:      true,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl := new(mockTable)
			tbl.On("CurrentRowsFor", mock.Anything, mock.Anything).Return(store.NewSnapshot(), nil)
			for _, err := range tt.commitErrs {
				if err != nil {
					tbl.On("ApplyMutations", mock.Anything, mock.Anything).Return(nil, err).Once()
				} else {
					tbl.On("ApplyMutations", mock.Anything, mock.Anything).Return(&store.CommitResult{Applied: 1, Keys: 1}, nil).Once()
				}
			}

			j := type2Job("dim_user")
			j.MaxRetries = tt.maxRetries

			report, err := newTestEngine().Run(context.Background(), j, tbl, records(map[string]any{"key": 1, "seq": 1, "name": "A"}))
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, report.Committed)
			} else {
				require.NoError(t, err)
				assert.True(t, report.Committed)
			}
			assert.Equal(t, tt.wantAttempts, report.Attempts)
			tbl.AssertNumberOfCalls(t, "CurrentRowsFor", tt.wantAttempts)
			tbl.AssertNumberOfCalls(t, "ApplyMutations", tt.wantAttempts)
		})
	}
}

func TestEngine_GiveUpKeepsTheConflict(t *testing.T) {
	t.Parallel()

	tbl := new(mockTable)
	tbl.On("CurrentRowsFor", mock.Anything, mock.Anything).Return(store.NewSnapshot(), nil)
	tbl.On("ApplyMutations", mock.Anything, mock.Anything).Return(nil, &store.ConflictError{Table: "dim_user", Keys: []string{"i:1"}})

	j := type2Job("dim_user")
	j.MaxRetries = 2

	_, err := newTestEngine().Run(context.Background(), j, tbl, records(map[string]any{"key": 1, "seq": 1, "name": "A"}))
	require.Error(t, err)

	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"i:1"}, conflict.Keys)
}

func TestEngine_SchemaMismatchCommitsNothing(t *testing.T) {
	t.Parallel()

	tbl := store.NewMemory().MemoryTable("dim_user")
	j := type2Job("dim_user")
	j.Columns = []string{"key", "seq", "name"}

	_, err := newTestEngine().Run(context.Background(), j, tbl, records(
		map[string]any{"key": 1, "seq": 1, "name": "A"},
		map[string]any{"key": 2, "seq": 1, "name": "B", "nickname": "b"},
	))
	require.Error(t, err)

	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Position)
	assert.Equal(t, []string{"nickname"}, mismatch.Unexpected)
	assert.Empty(t, tbl.All())
}

func TestEngine_DryRunLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	tbl := store.NewMemory().MemoryTable("dim_user")
	report, err := newTestEngine().DryRun(context.Background(), type2Job("dim_user"), tbl, records(
		map[string]any{"key": 1, "seq": 1, "name": "A"},
		map[string]any{"key": 1, "seq": 2, "name": "B"},
	))
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.False(t, report.Committed)
	assert.Equal(t, 2, report.Counts.Inserted)
	assert.Empty(t, tbl.All())
}

func TestEngine_CancelledBeforeCommit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	tbl := new(mockTable)
	tbl.On("CurrentRowsFor", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(store.NewSnapshot(), nil)

	_, err := newTestEngine().Run(ctx, type2Job("dim_user"), tbl, records(map[string]any{"key": 1, "seq": 1, "name": "A"}))
	require.ErrorIs(t, err, context.Canceled)
	tbl.AssertNotCalled(t, "ApplyMutations", mock.Anything, mock.Anything)
}

func TestEngine_CancelledWhileWaitingToRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	tbl := new(mockTable)
	tbl.On("CurrentRowsFor", mock.Anything, mock.Anything).Return(store.NewSnapshot(), nil)
	tbl.On("ApplyMutations", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, &store.ConflictError{Table: "dim_user", Keys: []string{"i:1"}})

	e := NewEngine(zap.NewNop().Sugar(), WithBackoff(time.Hour))
	report, err := e.Run(ctx, type2Job("dim_user"), tbl, records(map[string]any{"key": 1, "seq": 1, "name": "A"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Attempts)
	assert.False(t, report.Committed)
}

func TestEngine_RetryPolicy(t *testing.T) {
	t.Parallel()

	ms := time.Millisecond
	tests := []struct {
		name    string
		backoff time.Duration
		retries int
		want    []time.Duration
	}{
		{
			name:    "doubles up to the cap",
			backoff: 100 * ms,
			retries: 8,
			want:    []time.Duration{100 * ms, 200 * ms, 400 * ms, 800 * ms, 1600 * ms, 3200 * ms, maxBackoff, maxBackoff},
		},
		{name: "zero backoff retries immediately", backoff: 0, retries: 2, want: []time.Duration{0, 0}},
		{name: "no retries", backoff: 100 * ms, retries: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			policy := NewEngine(nil, WithBackoff(tt.backoff)).retryPolicy(context.Background(), tt.retries)
			policy.Reset()

			var got []time.Duration
			for d := policy.NextBackOff(); d != backoff.Stop; d = policy.NextBackOff() {
				got = append(got, d)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_RetryPolicyStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := NewEngine(nil).retryPolicy(ctx, 3)
	assert.Equal(t, backoff.Stop, policy.NextBackOff())
}

type jobUnderTest struct {
	name string
	job  *job.Job
}

func TestEngine_RunIsIdempotent(t *testing.T) {
	t.Parallel()

	batch := records(
		map[string]any{"key": 1, "seq": 3, "name": "C"},
		map[string]any{"key": 2, "seq": 1, "name": "X"},
		map[string]any{"key": 1, "seq": 1, "name": "A"},
		map[string]any{"key": 1, "seq": 2, "name": "B"},
		map[string]any{"key": 2, "seq": 2, "name": "X"},
		map[string]any{"key": 3, "seq": 9, "name": "Z"},
	)

	for _, j := range []*jobUnderTest{
		{name: "type 1", job: type1Job("fact_stream")},
		{name: "type 2", job: type2Job("dim_user")},
	} {
		t.Run(j.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			tbl := store.NewMemory().MemoryTable(j.job.TargetTable())
			e := newTestEngine()

			_, err := e.Run(ctx, j.job, tbl, batch)
			require.NoError(t, err)
			once := tbl.All()
			requireWellFormedHistory(t, once)

			report, err := e.Run(ctx, j.job, tbl, batch)
			require.NoError(t, err)
			assert.False(t, report.Committed)
			assert.Zero(t, report.Counts.Inserted+report.Counts.Updated+report.Counts.Closed)
			assert.Equal(t, once, tbl.All())
		})
	}
}
