package reader

import (
	"context"
	"io"
	"strings"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/go-viper/mapstructure/v2"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Reader produces one finite change batch. Records come back in arrival
// order, which is the tie-breaker for equal sequence values.
type Reader interface {
	Read(ctx context.Context) ([]change.Record, error)
}

// DBOpener resolves a named connection for sql sources.
type DBOpener func(ctx context.Context, connection string) (*sqlx.DB, error)

type settings struct {
	s3Client S3ClientFunc
}

type Option func(*settings)

// WithS3Client replaces the client used for s3:// paths.
func WithS3Client(f S3ClientFunc) Option {
	return func(s *settings) {
		s.s3Client = f
	}
}

// New builds the reader for a job's source. connection is the resolved
// connection name a sql source queries. Paths starting with s3:// are listed
// and read from S3, everything else from fs.
func New(fs afero.Fs, j *job.Job, connection string, open DBOpener, options ...Option) (Reader, error) {
	s := settings{s3Client: NewS3Client}
	for _, o := range options {
		o(&s)
	}

	src := j.Source
	switch src.Type {
	case "ndjson":
		var opts NDJSONOptions
		if err := decodeOptions(src.Options, &opts); err != nil {
			return nil, err
		}
		if src.Path == "" {
			return nil, errors.New("ndjson source requires a path")
		}
		return &NDJSONReader{files: s.filesFor(fs, src.Path, opts.S3Options), pattern: src.Path, rescued: j.RescuedColumn(), opts: opts}, nil

	case "csv":
		var opts CSVOptions
		if err := decodeOptions(src.Options, &opts); err != nil {
			return nil, err
		}
		if src.Path == "" {
			return nil, errors.New("csv source requires a path")
		}
		return newCSVReader(s.filesFor(fs, src.Path, opts.S3Options), src.Path, opts)

	case "sql":
		if src.Query == "" {
			return nil, errors.New("sql source requires a query")
		}
		if open == nil {
			return nil, errors.New("sql source requires a database connection")
		}
		return &SQLReader{open: open, connection: connection, query: src.Query}, nil
	}

	return nil, errors.Errorf("unknown source type '%s'", src.Type)
}

func decodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errors.Wrap(err, "failed to build options decoder")
	}

	if err := dec.Decode(in); err != nil {
		return errors.Wrap(err, "invalid source options")
	}
	return nil
}

// fileSet lists and opens the files a path pattern names.
type fileSet interface {
	Expand(ctx context.Context, pattern string) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

func (s settings) filesFor(fs afero.Fs, path string, opts S3Options) fileSet {
	if strings.HasPrefix(path, s3Scheme) {
		return &s3Files{opts: opts, newClient: s.s3Client}
	}
	return localFiles{fs: fs}
}

type localFiles struct {
	fs afero.Fs
}

// Expand resolves a path or glob to the files it names, sorted so the arrival
// order is stable across runs.
func (l localFiles) Expand(_ context.Context, pattern string) ([]string, error) {
	matches, err := afero.Glob(l.fs, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid path pattern '%s'", pattern)
	}
	if len(matches) == 0 {
		return nil, errors.Errorf("no files match '%s'", pattern)
	}
	return matches, nil
}

func (l localFiles) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return l.fs.Open(name)
}
