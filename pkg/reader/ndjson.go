package reader

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const defaultMaxLineBytes = 4 << 20

type NDJSONOptions struct {
	S3Options    `mapstructure:",squash"`
	MaxLineBytes int `mapstructure:"max_line_bytes"`
}

// NDJSONReader reads newline-delimited JSON objects, one change per line.
type NDJSONReader struct {
	files   fileSet
	pattern string
	rescued string
	opts    NDJSONOptions
}

func (r *NDJSONReader) Read(ctx context.Context) ([]change.Record, error) {
	files, err := r.files.Expand(ctx, r.pattern)
	if err != nil {
		return nil, err
	}

	var out []change.Record
	for _, file := range files {
		records, err := r.readFile(ctx, file)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (r *NDJSONReader) readFile(ctx context.Context, file string) ([]change.Record, error) {
	f, err := r.files.Open(ctx, file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", file)
	}
	defer f.Close()

	maxLine := r.opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []change.Record
	for line := 1; scanner.Scan(); line++ {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if !gjson.Valid(raw) {
			return nil, errors.Errorf("%s:%d: invalid JSON", file, line)
		}

		doc := gjson.Parse(raw)
		if !doc.IsObject() {
			return nil, errors.Errorf("%s:%d: expected a JSON object, got %s", file, line, doc.Type)
		}

		rec := change.Record{Fields: map[string]any{}}
		doc.ForEach(func(key, value gjson.Result) bool {
			if key.String() == r.rescued {
				rec.Rescued = rescuedValue(value)
				return true
			}
			rec.Fields[key.String()] = jsonValue(value)
			return true
		})
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", file)
	}

	return out, nil
}

// jsonValue converts a gjson value to a normalized one. Integral numbers
// stay int64 so that large identifiers keep their precision.
func jsonValue(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		if !strings.ContainsAny(v.Raw, ".eE") {
			if i, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
				return i
			}
		}
		return v.Float()
	case gjson.String:
		return v.Str
	default:
		return change.Normalize(v.Value())
	}
}

func rescuedValue(v gjson.Result) map[string]any {
	if v.Type == gjson.String && gjson.Valid(v.Str) {
		v = gjson.Parse(v.Str)
	}
	if m, ok := v.Value().(map[string]any); ok {
		return m
	}
	if v.Type == gjson.Null {
		return nil
	}
	return map[string]any{"value": v.Value()}
}
