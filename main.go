package main

import (
	"os"
	"time"

	"github.com/dimsync/dimsync/cmd"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	isDebug := false
	color.NoColor = false

	versionCommand := cmd.VersionCmd(commit)

	cli.VersionPrinter = func(cCtx *cli.Context) {
		err := versionCommand.Action(cCtx)
		if err != nil {
			panic(err)
		}
	}

	app := &cli.App{
		Name:     "dimsync",
		Version:  version,
		Usage:    "Merge change data capture batches into slowly changing dimension tables",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "show debug information",
				Destination: &isDebug,
			},
		},
		Commands: []*cli.Command{
			cmd.Run(&isDebug),
			cmd.History(&isDebug),
			cmd.Validate(),
			cmd.Init(),
			cmd.Internal(),
			versionCommand,
		},
	}

	_ = app.Run(os.Args)
}
