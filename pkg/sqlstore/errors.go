package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// TableNotFoundError is returned when looking up a table that was never
// written to.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return "table '" + e.Table + "' does not exist"
}

// postgres SQLSTATEs raised when two transactions race on the same rows
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"23505": true, // unique_violation
}

// classify turns driver errors into the store's error taxonomy so that the
// engine knows which failures can be retried.
func classify(table string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if conflictCodes[pgErr.Code] {
			return &store.ConflictError{Table: table}
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return &store.StoreUnavailableError{Table: table, Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return &store.StoreUnavailableError{Table: table, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "transaction conflict"), strings.Contains(msg, "write-write conflict"):
		return &store.ConflictError{Table: table}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "could not set lock on file"):
		return &store.StoreUnavailableError{Table: table, Err: err}
	}

	return err
}
