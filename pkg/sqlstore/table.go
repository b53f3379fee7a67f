package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const keyChunkSize = 500

const rowColumns = "_row_id, _business_key, _key, _attributes, _valid_from, _valid_until, _is_current, _ordinal"

// rowRecord is the stored shape of a version. Keys, attributes and interval
// bounds are kept in the typed JSON encoding so that every value round-trips
// with its kind.
type rowRecord struct {
	ID          string         `db:"_row_id"`
	BusinessKey string         `db:"_business_key"`
	Key         string         `db:"_key"`
	Attributes  string         `db:"_attributes"`
	ValidFrom   string         `db:"_valid_from"`
	ValidUntil  sql.NullString `db:"_valid_until"`
	IsCurrent   bool           `db:"_is_current"`
	Ordinal     int64          `db:"_ordinal"`
}

type versionRecord struct {
	BusinessKey string `db:"_business_key"`
	Version     int64  `db:"_version"`
}

type Table struct {
	name     string
	db       *sqlx.DB
	logger   *zap.SugaredLogger
	pageSize int

	rows string
	keys string
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) ensure(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    _row_id TEXT PRIMARY KEY,
    _business_key TEXT NOT NULL,
    _key TEXT NOT NULL,
    _attributes TEXT NOT NULL,
    _valid_from TEXT NOT NULL,
    _valid_until TEXT,
    _is_current BOOLEAN NOT NULL,
    _ordinal BIGINT NOT NULL
)`, t.rows),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    _business_key TEXT PRIMARY KEY,
    _version BIGINT NOT NULL
)`, t.keys),
	}

	for _, q := range ddl {
		if _, err := t.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(classify(t.name, err), "failed to create storage for table '%s'", t.name)
		}
	}
	return nil
}

// exists reports whether both the rows and the keys table are present.
func (t *Table) exists(ctx context.Context) (bool, error) {
	name := t.name
	query := `SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN (?, ?)`
	args := []any{name, name + "__keys"}
	if schema, table, ok := strings.Cut(t.name, "."); ok {
		query += ` AND table_schema = ?`
		args = []any{table, table + "__keys", schema}
	}

	var n int
	if err := t.db.GetContext(ctx, &n, t.db.Rebind(query), args...); err != nil {
		return false, errors.Wrapf(classify(t.name, err), "failed to look up table '%s'", t.name)
	}
	return n >= 2, nil
}

func (t *Table) CurrentRowsFor(ctx context.Context, keys []change.Key) (*store.Snapshot, error) {
	snap := store.NewSnapshot()
	if len(keys) == 0 {
		return snap, nil
	}

	encoded := lo.Uniq(lo.Map(keys, func(k change.Key, _ int) string { return k.String() }))
	for _, ks := range encoded {
		snap.Versions[ks] = 0
	}

	for _, chunk := range lo.Chunk(encoded, keyChunkSize) {
		versions, err := t.selectIn(ctx, fmt.Sprintf("SELECT _business_key, _version FROM %s WHERE _business_key IN (?)", t.keys), chunk)
		if err != nil {
			return nil, err
		}
		for rows := versions; rows.Next(); {
			var v versionRecord
			if err := rows.StructScan(&v); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to read version token")
			}
			snap.Versions[v.BusinessKey] = v.Version
		}
		if err := closeRows(versions); err != nil {
			return nil, classify(t.name, err)
		}

		latest, err := t.selectIn(ctx, fmt.Sprintf(`SELECT %[1]s FROM (
    SELECT %[1]s, ROW_NUMBER() OVER (PARTITION BY _business_key ORDER BY _ordinal DESC) AS _rn
    FROM %[2]s
    WHERE _business_key IN (?)
) latest WHERE _rn = 1`, rowColumns, t.rows), chunk)
		if err != nil {
			return nil, err
		}
		for latest.Next() {
			var rec rowRecord
			if err := latest.StructScan(&rec); err != nil {
				latest.Close()
				return nil, errors.Wrap(err, "failed to read stored row")
			}
			row, err := decodeRow(rec)
			if err != nil {
				latest.Close()
				return nil, err
			}
			snap.Latest[rec.BusinessKey] = row
		}
		if err := closeRows(latest); err != nil {
			return nil, classify(t.name, err)
		}
	}

	return snap, nil
}

func (t *Table) selectIn(ctx context.Context, query string, keys []string) (*sqlx.Rows, error) {
	q, args, err := sqlx.In(query, keys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand key list")
	}

	rows, err := t.db.QueryxContext(ctx, t.db.Rebind(q), args...)
	if err != nil {
		return nil, classify(t.name, err)
	}
	return rows, nil
}

func closeRows(rows *sqlx.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// ApplyMutations writes the whole set in one transaction. Every key's version
// token is advanced with a compare-and-set first; if any of them moved since
// the snapshot the transaction is rolled back with a ConflictError.
func (t *Table) ApplyMutations(ctx context.Context, set *store.MutationSet) (*store.CommitResult, error) {
	if set.Empty() {
		return &store.CommitResult{}, nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(t.name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := t.advanceVersions(ctx, tx, set.Expected); err != nil {
		return nil, err
	}

	for _, m := range set.Mutations {
		if _, ok := set.Expected[m.Row.Key.String()]; !ok {
			return nil, errors.Errorf("mutation for key %s has no expected version", m.Row.Key.String())
		}
		if err := t.apply(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(t.name, err)
	}

	t.logger.Debugf("table '%s': applied %d mutation(s) across %d key(s)", t.name, len(set.Mutations), len(set.Expected))
	return &store.CommitResult{Applied: len(set.Mutations), Keys: len(set.Expected)}, nil
}

func (t *Table) advanceVersions(ctx context.Context, tx *sqlx.Tx, expected map[string]int64) error {
	insert := tx.Rebind(fmt.Sprintf("INSERT INTO %s (_business_key, _version) VALUES (?, 1) ON CONFLICT (_business_key) DO NOTHING", t.keys))
	update := tx.Rebind(fmt.Sprintf("UPDATE %s SET _version = _version + 1 WHERE _business_key = ? AND _version = ?", t.keys))

	keys := lo.Keys(expected)
	sort.Strings(keys)

	var conflicts []string
	for _, ks := range keys {
		var (
			res sql.Result
			err error
		)
		if expected[ks] == 0 {
			res, err = tx.ExecContext(ctx, insert, ks)
		} else {
			res, err = tx.ExecContext(ctx, update, ks, expected[ks])
		}
		if err != nil {
			return classify(t.name, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		if n == 0 {
			conflicts = append(conflicts, ks)
		}
	}

	if len(conflicts) > 0 {
		return &store.ConflictError{Table: t.name, Keys: conflicts}
	}
	return nil
}

func (t *Table) apply(ctx context.Context, tx *sqlx.Tx, m store.Mutation) error {
	rec, err := encodeRow(m.Row)
	if err != nil {
		return err
	}

	var res sql.Result
	switch m.Kind {
	case store.MutationInsert:
		res, err = tx.NamedExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (:_row_id, :_business_key, :_key, :_attributes, :_valid_from, :_valid_until, :_is_current, :_ordinal)`, t.rows, rowColumns), rec)
	case store.MutationUpdate, store.MutationTouch:
		res, err = tx.NamedExecContext(ctx, fmt.Sprintf(`UPDATE %s
SET _attributes = :_attributes, _valid_from = :_valid_from, _valid_until = :_valid_until, _is_current = :_is_current
WHERE _row_id = :_row_id`, t.rows), rec)
	case store.MutationClose:
		res, err = tx.NamedExecContext(ctx, fmt.Sprintf(`UPDATE %s
SET _valid_until = :_valid_until, _is_current = :_is_current
WHERE _row_id = :_row_id`, t.rows), rec)
	default:
		return errors.Errorf("unknown mutation kind '%s'", m.Kind)
	}
	if err != nil {
		return classify(t.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n != 1 {
		return errors.Errorf("cannot %s row %s of key %s: %d row(s) affected", m.Kind, m.Row.ID, m.Row.Key.Display(), n)
	}
	return nil
}

// HistoryFor pages through the versions of a key in ordinal order. Each range
// over the sequence starts from the first version again.
func (t *Table) HistoryFor(ctx context.Context, key change.Key) iter.Seq2[*store.Row, error] {
	query := t.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE _business_key = ? ORDER BY _ordinal LIMIT ? OFFSET ?", rowColumns, t.rows))
	ks := key.String()

	return func(yield func(*store.Row, error) bool) {
		for offset := 0; ; offset += t.pageSize {
			var page []rowRecord
			if err := t.db.SelectContext(ctx, &page, query, ks, t.pageSize, offset); err != nil {
				yield(nil, classify(t.name, err))
				return
			}

			for _, rec := range page {
				row, err := decodeRow(rec)
				if !yield(row, err) || err != nil {
					return
				}
			}

			if len(page) < t.pageSize {
				return
			}
		}
	}
}

func encodeRow(r *store.Row) (rowRecord, error) {
	key, err := change.MarshalKey(r.Key)
	if err != nil {
		return rowRecord{}, err
	}
	attrs, err := change.MarshalAttributes(r.Attributes)
	if err != nil {
		return rowRecord{}, err
	}
	from, err := change.MarshalValue(r.ValidFrom)
	if err != nil {
		return rowRecord{}, err
	}

	rec := rowRecord{
		ID:          r.ID,
		BusinessKey: r.Key.String(),
		Key:         string(key),
		Attributes:  string(attrs),
		ValidFrom:   string(from),
		IsCurrent:   r.IsCurrent(),
		Ordinal:     r.Ordinal,
	}
	if !r.IsCurrent() {
		until, err := change.MarshalValue(r.ValidTo)
		if err != nil {
			return rowRecord{}, err
		}
		rec.ValidUntil = sql.NullString{String: string(until), Valid: true}
	}
	return rec, nil
}

func decodeRow(rec rowRecord) (*store.Row, error) {
	key, err := change.UnmarshalKey([]byte(rec.Key))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt key in row %s", rec.ID)
	}
	attrs, err := change.UnmarshalAttributes([]byte(rec.Attributes))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt attributes in row %s", rec.ID)
	}
	from, err := change.UnmarshalValue([]byte(rec.ValidFrom))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt _valid_from in row %s", rec.ID)
	}

	row := &store.Row{
		ID:         rec.ID,
		Key:        key,
		Attributes: attrs,
		ValidFrom:  from,
		Ordinal:    rec.Ordinal,
	}
	if rec.ValidUntil.Valid {
		row.ValidTo, err = change.UnmarshalValue([]byte(rec.ValidUntil.String))
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt _valid_until in row %s", rec.ID)
		}
	}
	return row, nil
}
