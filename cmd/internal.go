package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dimsync/dimsync/pkg/job"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
)

func Internal() *cli.Command {
	return &cli.Command{
		Name:   "internal",
		Hidden: true,
		Subcommands: []*cli.Command{
			ParsePipeline(),
			JobSchema(),
		},
	}
}

func ParsePipeline() *cli.Command {
	return &cli.Command{
		Name:      "parse-pipeline",
		Usage:     "print a pipeline with the job defaults and connections resolved",
		ArgsUsage: "[path to the pipeline file or directory]",
		Action: func(c *cli.Context) error {
			pipelinePath, err := resolvePipelinePath(c.Args().Get(0))
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			if err := printParsedPipeline(os.Stdout, pipelinePath); err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

type parsedJob struct {
	*job.Job
	Target        string `json:"target"`
	RescuedColumn string `json:"rescued_data_column"`
	Retries       int    `json:"max_retries"`
}

type parsedPipeline struct {
	Name   string      `json:"name"`
	Path   string      `json:"path"`
	Jobs   []parsedJob `json:"jobs"`
	Issues []string    `json:"issues"`
}

func printParsedPipeline(w io.Writer, pipelinePath string) error {
	p, err := job.LoadPipeline(fs, pipelinePath)
	if err != nil {
		return err
	}

	out := parsedPipeline{
		Name: p.Name,
		Path: p.Path(),
		Jobs: lo.Map(p.Jobs, func(j *job.Job, _ int) parsedJob {
			resolved := p.Resolve(j)
			return parsedJob{
				Job:           resolved,
				Target:        resolved.TargetTable(),
				RescuedColumn: resolved.RescuedColumn(),
				Retries:       resolved.Retries(),
			}
		}),
		Issues: p.Validate(),
	}
	if out.Issues == nil {
		out.Issues = []string{}
	}

	js, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "failed to marshal the pipeline")
	}
	fmt.Fprintln(w, string(js))
	return nil
}

func JobSchema() *cli.Command {
	return &cli.Command{
		Name:  "job-schema",
		Usage: "print the JSON schema of pipeline files",
		Action: func(c *cli.Context) error {
			js, err := json.MarshalIndent(job.Schema(), "", "  ")
			if err != nil {
				printErrorJSON(err)
				return cli.Exit("", 1)
			}

			fmt.Println(string(js))
			return nil
		},
	}
}
