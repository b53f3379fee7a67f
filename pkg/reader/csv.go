package reader

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/pkg/errors"
)

type CSVOptions struct {
	S3Options `mapstructure:",squash"`
	Delimiter string `mapstructure:"delimiter"`
	// NullValue is the cell content read as null; empty cells are always null.
	NullValue string `mapstructure:"null_value"`
	// Types maps a column to int, float, bool, timestamp or string.
	Types map[string]string `mapstructure:"types"`
	// InferTypes parses untyped cells as int, float or bool when they look
	// like one.
	InferTypes bool   `mapstructure:"infer_types"`
	TimeLayout string `mapstructure:"time_layout"`
}

var columnTypes = []string{"int", "float", "bool", "timestamp", "string"}

// CSVReader reads delimited files with a header row.
type CSVReader struct {
	files   fileSet
	pattern string
	opts    CSVOptions
	comma   rune
}

func newCSVReader(files fileSet, pattern string, opts CSVOptions) (*CSVReader, error) {
	comma := ','
	if opts.Delimiter != "" {
		if utf8.RuneCountInString(opts.Delimiter) != 1 {
			return nil, errors.Errorf("csv delimiter must be a single character, got '%s'", opts.Delimiter)
		}
		comma, _ = utf8.DecodeRuneInString(opts.Delimiter)
	}
	for col, typ := range opts.Types {
		if !isColumnType(typ) {
			return nil, errors.Errorf("unknown type '%s' for column '%s', expected one of %s", typ, col, strings.Join(columnTypes, ", "))
		}
	}
	if opts.TimeLayout == "" {
		opts.TimeLayout = time.RFC3339Nano
	}

	return &CSVReader{files: files, pattern: pattern, opts: opts, comma: comma}, nil
}

func isColumnType(t string) bool {
	for _, c := range columnTypes {
		if c == t {
			return true
		}
	}
	return false
}

func (r *CSVReader) Read(ctx context.Context) ([]change.Record, error) {
	files, err := r.files.Expand(ctx, r.pattern)
	if err != nil {
		return nil, err
	}

	var out []change.Record
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := r.readFile(ctx, file)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (r *CSVReader) readFile(ctx context.Context, file string) ([]change.Record, error) {
	f, err := r.files.Open(ctx, file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", file)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = r.comma
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %s", file)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var out []change.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", file)
		}

		line, _ := cr.FieldPos(0)
		fields := make(map[string]any, len(columns))
		for i, col := range columns {
			v, err := r.convert(col, row[i])
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: column '%s'", file, line, col)
			}
			fields[col] = v
		}
		out = append(out, change.Record{Fields: fields})
	}

	return out, nil
}

func (r *CSVReader) convert(column, cell string) (any, error) {
	if cell == "" || (r.opts.NullValue != "" && cell == r.opts.NullValue) {
		return nil, nil
	}

	switch r.opts.Types[column] {
	case "int":
		return strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
	case "float":
		return strconv.ParseFloat(strings.TrimSpace(cell), 64)
	case "bool":
		return strconv.ParseBool(strings.TrimSpace(cell))
	case "timestamp":
		t, err := time.Parse(r.opts.TimeLayout, strings.TrimSpace(cell))
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case "string":
		return cell, nil
	}

	if r.opts.InferTypes {
		return infer(cell), nil
	}
	return cell, nil
}

func infer(cell string) any {
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	switch strings.ToLower(cell) {
	case "true":
		return true
	case "false":
		return false
	}
	return cell
}
