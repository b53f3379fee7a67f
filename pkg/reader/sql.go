package reader

import (
	"context"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/pkg/errors"
)

// SQLReader runs a query over a named connection, e.g. a DuckDB
// read_parquet() over the bronze layer, and turns each row into a change.
type SQLReader struct {
	open       DBOpener
	connection string
	query      string
}

func (r *SQLReader) Read(ctx context.Context) ([]change.Record, error) {
	db, err := r.open(ctx, r.connection)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryxContext(ctx, r.query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run source query on '%s'", r.connection)
	}
	defer rows.Close()

	var out []change.Record
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, errors.Wrap(err, "failed to scan source row")
		}
		out = append(out, change.NewRecord(row))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read source rows")
	}

	return out, nil
}
