package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// DriverName is the name sqlx knows to use $n placeholders for.
const DriverName = "pgx"

// Open connects to Postgres through pgx's database/sql driver.
func Open(ctx context.Context, c Config) (*sqlx.DB, error) {
	cfg, err := pgx.ParseConfig(c.ToDBConnectionURI())
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres connection settings")
	}

	db := sqlx.NewDb(stdlib.OpenDB(*cfg), DriverName)
	if c.PoolMaxConns > 0 {
		db.SetMaxOpenConns(c.PoolMaxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect to postgres at %s", cfg.Host)
	}

	return db, nil
}
