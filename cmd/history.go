package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/config"
	"github.com/dimsync/dimsync/pkg/connection"
	"github.com/dimsync/dimsync/pkg/sqlstore"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func History(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "print every stored version of an entity",
		ArgsUsage: "[table] [key part]...",
		Flags: []cli.Flag{
			configFileFlag,
			environmentFlag,
			outputFlag,
			&cli.StringFlag{
				Name:     "connection",
				Aliases:  []string{"c"},
				Usage:    "the connection the table lives in",
				Required: true,
			},
			forceFlag,
		},
		Action: func(c *cli.Context) error {
			defer RecoverFromPanic()

			output := c.String("output")
			if c.NArg() < 2 {
				return exitWithError(output, errors.New("a table name and at least one key part are required"))
			}

			logger := makeLogger(*isDebug)
			cm, err := config.LoadFromFile(afero.NewOsFs(), c.String("config-file"))
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
			defer manager.Close()

			ctx := c.Context
			db, err := manager.GetConnection(ctx, "target", c.String("connection"))
			if err != nil {
				return exitWithError(output, err)
			}

			tbl, err := sqlstore.New(db, sqlstore.WithLogger(logger)).Lookup(ctx, c.Args().First())
			if err != nil {
				return exitWithError(output, err)
			}

			key := parseKey(c.Args().Tail())
			rows, err := collectHistory(ctx, tbl, key)
			if err != nil {
				return exitWithError(output, err)
			}

			if output == "json" {
				return printHistoryJSON(os.Stdout, rows)
			}
			if len(rows) == 0 {
				warningPrinter.Printf("No versions stored for key [%s] in '%s'\n", key.Display(), tbl.Name())
				return nil
			}
			printHistory(os.Stdout, rows)
			return nil
		},
	}
}

// parseKey turns command line arguments into key parts. Integers, floats and
// booleans are recognised; wrap a value in double quotes to keep it a string.
func parseKey(args []string) change.Key {
	key := make(change.Key, len(args))
	for i, a := range args {
		key[i] = parseKeyPart(a)
	}
	return key
}

func parseKeyPart(s string) any {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func collectHistory(ctx context.Context, tbl store.Table, key change.Key) ([]*store.Row, error) {
	var rows []*store.Row
	for r, err := range tbl.HistoryFor(ctx, key) {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read the history of key [%s]", key.Display())
		}
		rows = append(rows, r)
	}
	return rows, nil
}

type historyRow struct {
	Ordinal    int64          `json:"ordinal"`
	ValidFrom  string         `json:"valid_from"`
	ValidTo    string         `json:"valid_to,omitempty"`
	Current    bool           `json:"current"`
	Attributes map[string]any `json:"attributes"`
}

func printHistoryJSON(w io.Writer, rows []*store.Row) error {
	out := make([]historyRow, len(rows))
	for i, r := range rows {
		out[i] = historyRow{
			Ordinal:    r.Ordinal,
			ValidFrom:  change.Format(r.ValidFrom),
			Current:    r.IsCurrent(),
			Attributes: r.Attributes,
		}
		if !r.IsCurrent() {
			out[i].ValidTo = change.Format(r.ValidTo)
		}
	}

	js, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal the output")
	}
	fmt.Fprintln(w, string(js))
	return nil
}

func printHistory(w io.Writer, rows []*store.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Valid From", "Valid To", "Attributes"})

	for _, r := range rows {
		validTo := faint("current")
		if !r.IsCurrent() {
			validTo = change.Format(r.ValidTo)
		}
		attrs, _ := json.Marshal(r.Attributes)
		t.AppendRow(table.Row{r.Ordinal, change.Format(r.ValidFrom), validTo, string(attrs)})
	}
	t.Render()
}
