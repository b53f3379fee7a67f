package executor

import (
	"context"
	"fmt"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/lock"
	"github.com/dimsync/dimsync/pkg/logger"
	"github.com/dimsync/dimsync/pkg/reader"
	"github.com/dimsync/dimsync/pkg/scd"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// StoreOpener resolves the store behind a named connection.
type StoreOpener func(ctx context.Context, connection string) (store.Store, error)

// MergeOperator reads a job's change batch and merges it into the target
// table while holding the table's lock.
type MergeOperator struct {
	fs      afero.Fs
	engine  *scd.Engine
	locker  lock.Locker
	stores  StoreOpener
	sources reader.DBOpener
	logger  logger.Logger
	dryRun  bool
}

func NewMergeOperator(fs afero.Fs, engine *scd.Engine, locker lock.Locker, stores StoreOpener, sources reader.DBOpener, logger logger.Logger, dryRun bool) *MergeOperator {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &MergeOperator{
		fs:      fs,
		engine:  engine,
		locker:  locker,
		stores:  stores,
		sources: sources,
		logger:  logger,
		dryRun:  dryRun,
	}
}

func (o *MergeOperator) Run(ctx context.Context, j *job.Job) (*scd.Report, error) {
	target := j.TargetTable()
	lockName := j.Connection + "/" + target

	release, err := o.locker.Acquire(ctx, lockName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire the lock for '%s'", lockName)
	}
	defer func() {
		if err := release(); err != nil {
			o.logger.Warnf("failed to release the lock for '%s': %v", lockName, err)
		}
	}()

	st, err := o.stores(ctx, j.Connection)
	if err != nil {
		return nil, err
	}
	table, err := st.Table(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open table '%s'", target)
	}

	records, err := o.read(ctx, j)
	if err != nil {
		return nil, err
	}

	printer := PrinterFromContext(ctx)
	fmt.Fprintf(printer, "read %d record(s)\n", len(records))

	var report *scd.Report
	if o.dryRun {
		report, err = o.engine.DryRun(ctx, j, table, records)
	} else {
		report, err = o.engine.Run(ctx, j, table, records)
	}
	if err != nil {
		return report, err
	}

	c := report.Counts
	fmt.Fprintf(printer, "inserted %d, updated %d, closed %d, deleted %d, unchanged %d, rejected %d, dropped %d\n",
		c.Inserted, c.Updated, c.Closed, c.Deleted, c.Unchanged, c.Rejected, report.DroppedTotal())
	o.logger.Debugw("merge finished", "job", j.Name, "table", target, "attempts", report.Attempts, "committed", report.Committed)

	return report, nil
}

func (o *MergeOperator) read(ctx context.Context, j *job.Job) ([]change.Record, error) {
	r, err := reader.New(o.fs, j, j.Source.Connection, o.sources)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source for job '%s'", j.Name)
	}

	records, err := r.Read(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the source of job '%s'", j.Name)
	}
	return records, nil
}
