package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dimsync/dimsync/pkg/job"
	"github.com/fatih/color"
	"go.uber.org/zap"
)

var (
	colors = []color.Attribute{
		color.FgBlue,
		color.FgMagenta,
		color.FgCyan,
		color.FgWhite,
		color.FgHiMagenta,
		color.FgHiBlue,
		color.FgHiCyan,
	}
	faint = color.New(color.Faint).SprintFunc()
)

type contextKey int

const (
	KeyPrinter contextKey = iota
	ContextLogger

	timeFormat = "2006-01-02 15:04:05"
)

// Concurrent runs jobs for different entities on a fixed set of workers.
type Concurrent struct {
	workerCount int
	workers     []*worker
}

func NewConcurrent(logger *zap.SugaredLogger, operator Operator, workerCount int, out io.Writer) *Concurrent {
	if workerCount <= 0 {
		workerCount = 1
	}
	if out == nil {
		out = os.Stdout
	}

	executor := &Sequential{Operator: operator}

	var printLock sync.Mutex

	workers := make([]*worker, workerCount)
	for i := range workerCount {
		workers[i] = &worker{
			id:        fmt.Sprintf("worker-%d", i),
			executor:  executor,
			logger:    logger,
			printer:   color.New(colors[i%len(colors)]),
			printLock: &printLock,
			out:       out,
		}
	}

	return &Concurrent{
		workerCount: workerCount,
		workers:     workers,
	}
}

func (c Concurrent) Start(ctx context.Context, input <-chan *job.Job, result chan<- *Result) {
	for i := range c.workerCount {
		go c.workers[i].run(ctx, input, result)
	}
}

// RunAll runs every job and returns the results in the order of jobs.
func (c Concurrent) RunAll(ctx context.Context, jobs []*job.Job) []*Result {
	input := make(chan *job.Job)
	results := make(chan *Result, len(jobs))
	c.Start(ctx, input, results)

	go func() {
		defer close(input)
		for _, j := range jobs {
			input <- j
		}
	}()

	byJob := make(map[*job.Job]*Result, len(jobs))
	for range jobs {
		r := <-results
		byJob[r.Job] = r
	}

	ordered := make([]*Result, len(jobs))
	for i, j := range jobs {
		ordered[i] = byJob[j]
	}
	return ordered
}

type worker struct {
	id        string
	executor  *Sequential
	logger    *zap.SugaredLogger
	printer   *color.Color
	printLock *sync.Mutex
	out       io.Writer
}

func (w worker) run(ctx context.Context, jobs <-chan *job.Job, results chan<- *Result) {
	for j := range jobs {
		w.printLock.Lock()
		w.printer.Fprintf(w.out, "[%s] Starting: %s\n", time.Now().Format(timeFormat), j.Name)
		w.printLock.Unlock()

		start := time.Now()

		printer := &workerWriter{
			w:           w.out,
			job:         j.Name,
			sprintfFunc: w.printer.SprintfFunc(),
			printLock:   w.printLock,
		}

		executionCtx := context.WithValue(ctx, KeyPrinter, printer)
		executionCtx = context.WithValue(executionCtx, ContextLogger, w.logger)
		report, err := w.executor.RunSingleJob(executionCtx, j)

		duration := time.Since(start)
		durationString := fmt.Sprintf("(%s)", duration.Truncate(time.Millisecond).String())
		w.printLock.Lock()

		res := "Finished"
		if err != nil {
			res = "Failed"
		}

		w.printer.Fprintf(w.out, "[%s] %s: %s %s\n", time.Now().Format(timeFormat), res, j.Name, faint(durationString))
		w.printLock.Unlock()

		results <- &Result{
			Job:    j,
			Report: report,
			Error:  err,
		}
	}
}

type workerWriter struct {
	w           io.Writer
	job         string
	sprintfFunc func(format string, a ...interface{}) string
	printLock   *sync.Mutex
}

func (w *workerWriter) Write(p []byte) (int, error) {
	formatted := w.sprintfFunc("[%s] [%s] %s", time.Now().Format(timeFormat), w.job, string(p))

	w.printLock.Lock()
	defer w.printLock.Unlock()

	n, err := w.w.Write([]byte(formatted))
	if err != nil {
		return n, err
	}
	if n != len(formatted) {
		return n, io.ErrShortWrite
	}
	return len(p), nil
}

// PrinterFromContext returns the writer a worker attached to the context, or
// io.Discard when the job is not run by a worker.
func PrinterFromContext(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(KeyPrinter).(io.Writer); ok {
		return w
	}
	return io.Discard
}
