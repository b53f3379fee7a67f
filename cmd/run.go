package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dimsync/dimsync/pkg/config"
	"github.com/dimsync/dimsync/pkg/connection"
	"github.com/dimsync/dimsync/pkg/executor"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/lock"
	"github.com/dimsync/dimsync/pkg/scd"
	"github.com/dimsync/dimsync/pkg/sqlstore"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Run(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "merge the change batches of a pipeline into their dimension tables",
		ArgsUsage: "[path to the pipeline file or directory]",
		Flags: []cli.Flag{
			configFileFlag,
			environmentFlag,
			outputFlag,
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of jobs to run in parallel",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "key-concurrency",
				Usage: "number of keys planned in parallel within a job",
				Value: 8,
			},
			&cli.StringSliceFlag{
				Name:    "job",
				Aliases: []string{"j"},
				Usage:   "only run the given jobs, can be repeated",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "compute and print the changes without writing them",
			},
			forceFlag,
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			logger := makeLogger(*isDebug)

			pipelinePath, err := resolvePipelinePath(c.Args().Get(0))
			if err != nil {
				return exitWithError(output, errors.Wrap(err, "failed to find the pipeline"))
			}

			p, err := job.LoadPipeline(fs, pipelinePath)
			if err != nil {
				return exitWithError(output, err)
			}
			if issues := p.Validate(); len(issues) > 0 {
				printErrors(os.Stdout, issues, output, "The pipeline has validation errors:")
				return cli.Exit("", 1)
			}

			jobs, err := selectJobs(p, c.StringSlice("job"))
			if err != nil {
				return exitWithError(output, err)
			}

			cm, err := config.LoadOrCreate(afero.NewOsFs(), c.String("config-file"))
			if err != nil {
				return exitWithError(output, errors.Wrap(err, "failed to load the config file"))
			}
			if err := switchEnvironment(c.String("environment"), c.Bool("force"), cm, os.Stdin); err != nil {
				return err
			}

			manager, err := connection.NewManagerFromConfig(cm, logger)
			if err != nil {
				return exitWithError(output, err)
			}
			defer func() {
				if err := manager.Close(); err != nil {
					logger.Warnf("failed to close connections: %v", err)
				}
			}()

			locker, err := lock.NewFromConfig(cm.SelectedEnvironment.Lock, logger)
			if err != nil {
				return exitWithError(output, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stores := &storeCache{conns: manager, logger: logger}
			engine := scd.NewEngine(logger, scd.WithConcurrency(c.Int("key-concurrency")))
			sources := func(ctx context.Context, name string) (*sqlx.DB, error) {
				return manager.GetConnection(ctx, "source", name)
			}
			op := executor.NewMergeOperator(fs, engine, locker, stores.Open, sources, logger, c.Bool("dry-run"))

			var out io.Writer = os.Stdout
			if output == "json" {
				out = io.Discard
			} else {
				infoPrinter.Printf("Running %d job(s) of pipeline '%s' in environment '%s'\n\n", len(jobs), p.Name, cm.SelectedEnvironmentName)
			}

			start := time.Now()
			results := executor.NewConcurrent(logger, op, c.Int("workers"), out).RunAll(ctx, jobs)

			failed := lo.CountBy(results, func(r *executor.Result) bool {
				return r.Error != nil || (r.Report != nil && len(r.Report.KeyErrors) > 0)
			})

			if output == "json" {
				if err := printResultsJSON(os.Stdout, results); err != nil {
					return err
				}
			} else {
				fmt.Println()
				printSummary(os.Stdout, results)
				fmt.Println()
				if failed > 0 {
					errorPrinter.Printf("%d of %d job(s) failed in %s\n", failed, len(results), time.Since(start).Truncate(time.Millisecond))
				} else {
					successPrinter.Printf("Finished %d job(s) in %s\n", len(results), time.Since(start).Truncate(time.Millisecond))
				}
			}

			if failed > 0 {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func exitWithError(output string, err error) error {
	if output == "json" {
		printErrorJSON(err)
	} else {
		errorPrinter.Println(err.Error())
	}
	return cli.Exit("", 1)
}

// selectJobs resolves the connections of the jobs to run, keeping the order
// they are defined in.
func selectJobs(p *job.Pipeline, names []string) ([]*job.Job, error) {
	if len(names) == 0 {
		return lo.Map(p.Jobs, func(j *job.Job, _ int) *job.Job { return p.Resolve(j) }), nil
	}

	jobs := make([]*job.Job, 0, len(names))
	for _, name := range lo.Uniq(names) {
		j := p.GetJob(name)
		if j == nil {
			return nil, errors.Errorf("job '%s' not found in pipeline '%s'", name, p.Name)
		}
		jobs = append(jobs, p.Resolve(j))
	}
	return jobs, nil
}

// storeCache keeps one sqlstore per connection so table handles are reused
// across jobs.
type storeCache struct {
	conns  *connection.Manager
	logger *zap.SugaredLogger

	mu     sync.Mutex
	stores map[string]*sqlstore.Store
}

func (s *storeCache) Open(ctx context.Context, name string) (store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[name]; ok {
		return st, nil
	}

	db, err := s.conns.GetConnection(ctx, "target", name)
	if err != nil {
		return nil, err
	}

	if s.stores == nil {
		s.stores = map[string]*sqlstore.Store{}
	}
	st := sqlstore.New(db, sqlstore.WithLogger(s.logger))
	s.stores[name] = st
	return st, nil
}

type jobResult struct {
	Job       string      `json:"job"`
	Report    *scd.Report `json:"report,omitempty"`
	KeyErrors []string    `json:"key_errors,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func printResultsJSON(w io.Writer, results []*executor.Result) error {
	out := lo.Map(results, func(r *executor.Result, _ int) jobResult {
		res := jobResult{Job: r.Job.Name, Report: r.Report}
		if r.Report != nil {
			res.KeyErrors = r.Report.KeyErrorMessages()
		}
		if r.Error != nil {
			res.Error = r.Error.Error()
		}
		return res
	})

	js, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal the output")
	}
	fmt.Fprintln(w, string(js))
	return nil
}

func printSummary(w io.Writer, results []*executor.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Job", "Table", "Mode", "Read", "Dropped", "Inserted", "Updated", "Closed", "Deleted", "Unchanged", "Rejected", "Status"})

	for _, r := range results {
		if r.Report == nil {
			t.AppendRow(table.Row{r.Job.Name, r.Job.TargetTable(), r.Job.StoredAsSCDType, "", "", "", "", "", "", "", "", "FAIL"})
			continue
		}

		rep := r.Report
		t.AppendRow(table.Row{
			rep.Job, rep.Table, rep.Mode,
			rep.Processed, rep.DroppedTotal(),
			rep.Counts.Inserted, rep.Counts.Updated, rep.Counts.Closed, rep.Counts.Deleted,
			rep.Counts.Unchanged, rep.Counts.Rejected,
			status(r),
		})
	}
	t.Render()

	for _, r := range results {
		if r.Error != nil {
			errorPrinter.Fprintf(w, "%s: %v\n", r.Job.Name, r.Error)
		}
		if r.Report == nil {
			continue
		}
		for _, msg := range r.Report.KeyErrorMessages() {
			errorPrinter.Fprintf(w, "%s: %s\n", r.Job.Name, msg)
		}
		if n := len(r.Report.LateRecords); n > 0 {
			warningPrinter.Fprintf(w, "%s: %s late record(s) were rejected\n", r.Job.Name, strconv.Itoa(n))
		}
	}
}

func status(r *executor.Result) string {
	switch {
	case r.Error != nil:
		return "FAIL"
	case len(r.Report.KeyErrors) > 0:
		return "PARTIAL"
	case r.Report.DryRun:
		return "DRY RUN"
	case !r.Report.Committed:
		return faint("NO CHANGES")
	}
	return "PASS"
}
