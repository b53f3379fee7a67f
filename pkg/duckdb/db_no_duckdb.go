//go:build dimsync_no_duckdb

package duck

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

const DriverName = "duckdb"

var errDuckDBNotSupported = errors.New("DuckDB support not available in this build")

func Open(_ context.Context, _ Config) (*sqlx.DB, error) {
	return nil, errDuckDBNotSupported
}
