package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/path"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func Validate() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate every pipeline file under a directory",
		ArgsUsage: "[path to the project root]",
		Flags: []cli.Flag{
			outputFlag,
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			root := c.Args().Get(0)
			if root == "" {
				root = "."
			}
			output := c.String("output")

			issues, err := validatePipelines(c.Context, fs, root)
			if err != nil {
				return exitWithError(output, err)
			}

			if len(issues) > 0 {
				printErrors(os.Stdout, issues, output, "Found validation errors:")
				return cli.Exit("", 1)
			}

			if output != "json" {
				successPrinter.Println("All pipelines are valid.")
			}
			return nil
		},
	}
}

// validatePipelines loads every pipeline file under root in parallel and
// returns the problems found, prefixed with the file they come from.
func validatePipelines(ctx context.Context, fsys afero.Fs, root string) ([]string, error) {
	files, err := path.FindFiles(fsys, root, job.PipelineFileNames)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search for pipelines in '%s'", root)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no pipeline files found in '%s'", root)
	}

	var (
		mu     sync.Mutex
		issues []string
	)
	report := func(file string, msgs ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			issues = append(issues, fmt.Sprintf("%s: %s", file, m))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			p, err := job.LoadPipeline(fsys, file)
			if err != nil {
				report(file, err.Error())
				return nil
			}
			report(file, p.Validate()...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(issues)
	return issues, nil
}
