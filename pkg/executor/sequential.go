package executor

import (
	"context"

	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/scd"
	"github.com/pkg/errors"
)

// Operator runs one merge job to completion.
type Operator interface {
	Run(ctx context.Context, j *job.Job) (*scd.Report, error)
}

// Result is the outcome of one job.
type Result struct {
	Job    *job.Job
	Report *scd.Report
	Error  error
}

type Sequential struct {
	Operator Operator
}

func (s Sequential) RunSingleJob(ctx context.Context, j *job.Job) (*scd.Report, error) {
	if s.Operator == nil {
		return nil, errors.New("there is no operator configured, job cannot be run: " + j.Name)
	}

	return s.Operator.Run(ctx, j)
}
