//go:build !dimsync_no_duckdb

package duck

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb" //nolint:stylecheck
	"github.com/pkg/errors"
)

const DriverName = "duckdb"

// Open connects to the DuckDB database described by the config. Connections
// of the returned pool share one database instance.
func Open(ctx context.Context, c Config) (*sqlx.DB, error) {
	LockDatabase(c.Path)
	defer UnlockDatabase(c.Path)

	db, err := sqlx.Open(DriverName, c.ToDBConnectionURI())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open duckdb database '%s'", c.Path)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect to duckdb database '%s'", c.Path)
	}

	return db, nil
}
