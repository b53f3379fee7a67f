package scd

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Engine merges change batches into stored tables. It holds no per-run state
// and can serve concurrent runs for different tables.
type Engine struct {
	logger      *zap.SugaredLogger
	concurrency int
	backoff     time.Duration
}

type Option func(*Engine)

// WithConcurrency bounds how many keys are planned in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithBackoff sets the initial delay between retries; it doubles on every
// attempt. Zero retries immediately.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) {
		e.backoff = d
	}
}

func NewEngine(logger *zap.SugaredLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		logger:  logger,
		backoff: defaultBackoff,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run merges the batch into the table and commits the result atomically. A
// commit that loses a race with another writer is recomputed from a fresh
// snapshot, up to the job's retry bound.
func (e *Engine) Run(ctx context.Context, j *job.Job, table store.Table, records []change.Record) (*Report, error) {
	return e.run(ctx, j, table, records, false)
}

// DryRun computes the same report as Run without committing anything.
func (e *Engine) DryRun(ctx context.Context, j *job.Job, table store.Table, records []change.Record) (*Report, error) {
	return e.run(ctx, j, table, records, true)
}

func (e *Engine) run(ctx context.Context, j *job.Job, table store.Table, records []change.Record, dryRun bool) (*Report, error) {
	start := time.Now()
	report := &Report{
		Job:       j.Name,
		Table:     table.Name(),
		Mode:      j.StoredAsSCDType.String(),
		Processed: len(records),
		DryRun:    dryRun,
	}

	prepared, err := Prepare(j, records)
	if err != nil {
		return report, errors.Wrapf(err, "failed to prepare batch for job '%s'", j.Name)
	}
	report.Dropped = prepared.Dropped
	for _, m := range prepared.Malformed {
		e.logger.Debugf("job '%s': %s", j.Name, m.Error())
	}

	keys := prepared.Keys()

	commit := func() error {
		report.Attempts++

		snap, err := table.CurrentRowsFor(ctx, keys)
		if err != nil {
			return retryable(err)
		}
		plan := BuildPlan(j, prepared, snap, e.concurrency)
		report.Counts = plan.Counts
		report.KeyErrors = plan.KeyErrors
		report.LateRecords = plan.LateRecords

		if dryRun || plan.Set.Empty() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		res, err := table.ApplyMutations(ctx, plan.Set)
		if err != nil {
			return retryable(err)
		}
		report.Committed = true
		e.logger.Debugf("job '%s': committed %d mutation(s) for %d key(s) to '%s'", j.Name, res.Applied, res.Keys, table.Name())
		return nil
	}

	notify := func(err error, delay time.Duration) {
		e.logger.Infof("job '%s': attempt %d on '%s' failed, retrying in %s: %v", j.Name, report.Attempts, table.Name(), delay, err)
	}

	if err := backoff.RetryNotify(commit, e.retryPolicy(ctx, j.Retries()), notify); err != nil {
		switch {
		case IsRetryable(err):
			return report, errors.Wrapf(err, "giving up on table '%s' after %d attempt(s)", table.Name(), report.Attempts)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return report, errors.Wrapf(err, "run on table '%s' cancelled", table.Name())
		default:
			return report, errors.Wrapf(err, "failed to merge into table '%s'", table.Name())
		}
	}

	for _, l := range report.LateRecords {
		e.logger.Warnf("job '%s': late record #%d for key [%s] rejected, sequence %s is not after %s",
			j.Name, l.Position, l.Key, change.Format(l.Sequence), change.Format(l.Boundary))
	}
	for _, ke := range report.KeyErrors {
		e.logger.Errorf("job '%s': %s", j.Name, ke.Error())
	}

	report.Duration = time.Since(start)
	return report, nil
}

// retryPolicy yields up to retries delays, starting at the engine's backoff
// and doubling up to maxBackoff. It stops as soon as ctx is done.
func (e *Engine) retryPolicy(ctx context.Context, retries int) backoff.BackOffContext {
	var policy backoff.BackOff = &backoff.ZeroBackOff{}
	if e.backoff > 0 {
		policy = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(e.backoff),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxInterval(maxBackoff),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(retries, 0))), ctx)
}

// retryable marks everything but conflicts and store outages as final.
func retryable(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
