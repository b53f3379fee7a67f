package cmd

import (
	"github.com/dimsync/dimsync/pkg/config"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var (
	fs = afero.NewCacheOnReadFs(afero.NewOsFs(), afero.NewMemMapFs(), 0)

	faint          = color.New(color.Faint).SprintFunc()
	infoPrinter    = color.New(color.Bold)
	errorPrinter   = color.New(color.FgRed, color.Bold)
	warningPrinter = color.New(color.FgYellow, color.Bold)
	successPrinter = color.New(color.FgGreen, color.Bold)
)

var (
	configFileFlag = &cli.StringFlag{
		Name:    "config-file",
		Usage:   "the path to the connections file",
		Value:   config.DefaultFileName,
		EnvVars: []string{"DIMSYNC_CONFIG_FILE"},
	}

	environmentFlag = &cli.StringFlag{
		Name:    "environment",
		Aliases: []string{"e", "env"},
		Usage:   "the environment to use",
		EnvVars: []string{"DIMSYNC_ENVIRONMENT"},
	}

	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "the output type, possible values are: plain, json",
	}

	forceFlag = &cli.BoolFlag{
		Name:    "force",
		Aliases: []string{"f"},
		Usage:   "skip the confirmation for production environments",
	}
)
