package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowColumnNames = []string{"_row_id", "_business_key", "_key", "_attributes", "_valid_from", "_valid_until", "_is_current", "_ordinal"}

func newMockTable(t *testing.T, opts ...Option) (*Table, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "dim_user" (`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "dim_user__keys" (`)).WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(sqlx.NewDb(mockDB, "sqlmock"), opts...)
	tbl, err := s.table(context.Background(), "dim_user")
	require.NoError(t, err)

	return tbl, mock
}

func addRow(t *testing.T, rows *sqlmock.Rows, r *store.Row) *sqlmock.Rows {
	t.Helper()

	rec, err := encodeRow(r)
	require.NoError(t, err)

	var until any
	if rec.ValidUntil.Valid {
		until = rec.ValidUntil.String
	}
	return rows.AddRow(rec.ID, rec.BusinessKey, rec.Key, rec.Attributes, rec.ValidFrom, until, rec.IsCurrent, rec.Ordinal)
}

func TestStore_RejectsUnsafeTableNames(t *testing.T) {
	t.Parallel()

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := New(sqlx.NewDb(mockDB, "sqlmock"))
	for _, name := range []string{"", "dim user", `dim"; DROP TABLE x; --`, "a.b.c"} {
		_, err := s.Table(context.Background(), name)
		require.Error(t, err, name)
	}
}

func TestTable_CurrentRowsFor(t *testing.T) {
	t.Parallel()

	tbl, mock := newMockTable(t)
	known := change.Key{int64(1)}
	fresh := change.Key{"new"}
	stored := &store.Row{
		ID:         "row-2",
		Key:        known,
		Attributes: map[string]any{"level": "paid", "score": 1.5},
		ValidFrom:  int64(20),
		Ordinal:    2,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT _business_key, _version FROM "dim_user__keys" WHERE _business_key IN (?, ?)`)).
		WithArgs(known.String(), fresh.String()).
		WillReturnRows(sqlmock.NewRows([]string{"_business_key", "_version"}).AddRow(known.String(), 4))
	mock.ExpectQuery(regexp.QuoteMeta(`ROW_NUMBER() OVER (PARTITION BY _business_key ORDER BY _ordinal DESC)`)).
		WithArgs(known.String(), fresh.String()).
		WillReturnRows(addRow(t, sqlmock.NewRows(rowColumnNames), stored))

	snap, err := tbl.CurrentRowsFor(context.Background(), []change.Key{known, fresh, known})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{known.String(): 4, fresh.String(): 0}, snap.Versions)
	require.Contains(t, snap.Latest, known.String())
	assert.Equal(t, stored, snap.Latest[known.String()])
	assert.NotContains(t, snap.Latest, fresh.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_ApplyMutations(t *testing.T) {
	t.Parallel()

	key := change.Key{int64(7)}
	closing := &store.Row{ID: "r1", Key: key, Attributes: map[string]any{"name": "A"}, ValidFrom: int64(1), ValidTo: int64(2), Ordinal: 1}
	opening := &store.Row{ID: "r2", Key: key, Attributes: map[string]any{"name": "B"}, ValidFrom: int64(2), Ordinal: 2}
	set := &store.MutationSet{
		Mutations: []store.Mutation{
			{Kind: store.MutationClose, Row: closing},
			{Kind: store.MutationInsert, Row: opening},
		},
		Expected: map[string]int64{key.String(): 3},
	}
	updateVersion := regexp.QuoteMeta(`UPDATE "dim_user__keys" SET _version = _version + 1 WHERE _business_key = ? AND _version = ?`)

	tests := []struct {
		name            string
		mockConnection  func(mock sqlmock.Sqlmock)
		wantConflict    bool
		wantUnavailable bool
		wantErr         bool
	}{
		{
			name: "all mutations are committed together",
			mockConnection: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(updateVersion).WithArgs(key.String(), 3).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "dim_user"`)).
					WithArgs(sqlmock.AnyArg(), false, "r1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "dim_user"`)).
					WithArgs("r2", key.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, true, 2).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "moved version token is a conflict",
			mockConnection: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(updateVersion).WithArgs(key.String(), 3).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantConflict: true,
		},
		{
			name: "missing row is an error",
			mockConnection: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(updateVersion).WithArgs(key.String(), 3).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "dim_user"`)).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
		{
			name: "unreachable database",
			mockConnection: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
			},
			wantUnavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl, mock := newMockTable(t)
			tt.mockConnection(mock)

			res, err := tbl.ApplyMutations(context.Background(), set)

			var conflict *store.ConflictError
			var unavailable *store.StoreUnavailableError
			switch {
			case tt.wantConflict:
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, []string{key.String()}, conflict.Keys)
			case tt.wantUnavailable:
				require.ErrorAs(t, err, &unavailable)
			case tt.wantErr:
				require.Error(t, err)
				assert.False(t, errors.As(err, &conflict))
			default:
				require.NoError(t, err)
				assert.Equal(t, &store.CommitResult{Applied: 2, Keys: 1}, res)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTable_ApplyMutations_NewKeyClaimsToken(t *testing.T) {
	t.Parallel()

	tbl, mock := newMockTable(t)
	key := change.Key{"u-1"}
	row := &store.Row{ID: "r1", Key: key, Attributes: map[string]any{}, ValidFrom: "2024-01-01", Ordinal: 1}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "dim_user__keys" (_business_key, _version) VALUES (?, 1) ON CONFLICT (_business_key) DO NOTHING`)).
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := tbl.ApplyMutations(context.Background(), &store.MutationSet{
		Mutations: []store.Mutation{{Kind: store.MutationInsert, Row: row}},
		Expected:  map[string]int64{key.String(): 0},
	})

	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_HistoryFor(t *testing.T) {
	t.Parallel()

	tbl, mock := newMockTable(t, WithPageSize(2))
	key := change.Key{int64(5)}
	versions := []*store.Row{
		{ID: "a", Key: key, Attributes: map[string]any{"name": "A"}, ValidFrom: int64(1), ValidTo: int64(2), Ordinal: 1},
		{ID: "b", Key: key, Attributes: map[string]any{"name": "B"}, ValidFrom: int64(2), ValidTo: int64(3), Ordinal: 2},
		{ID: "c", Key: key, Attributes: map[string]any{"name": "C"}, ValidFrom: int64(3), Ordinal: 3},
	}
	history := regexp.QuoteMeta(`WHERE _business_key = ? ORDER BY _ordinal LIMIT ? OFFSET ?`)

	expectPages := func() {
		mock.ExpectQuery(history).WithArgs(key.String(), 2, 0).
			WillReturnRows(addRow(t, addRow(t, sqlmock.NewRows(rowColumnNames), versions[0]), versions[1]))
		mock.ExpectQuery(history).WithArgs(key.String(), 2, 2).
			WillReturnRows(addRow(t, sqlmock.NewRows(rowColumnNames), versions[2]))
	}

	seq := tbl.HistoryFor(context.Background(), key)
	for range 2 {
		expectPages()

		var got []*store.Row
		for r, err := range seq {
			require.NoError(t, err)
			got = append(got, r)
		}
		assert.Equal(t, versions, got)
	}

	// stopping early does not read further pages
	mock.ExpectQuery(history).WithArgs(key.String(), 2, 0).
		WillReturnRows(addRow(t, addRow(t, sqlmock.NewRows(rowColumnNames), versions[0]), versions[1]))
	for r, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "a", r.ID)
		break
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	var conflict *store.ConflictError
	var unavailable *store.StoreUnavailableError

	require.ErrorAs(t, classify("t", errors.New("TransactionContext Error: Transaction conflict: cannot update a table that has been altered")), &conflict)
	require.ErrorAs(t, classify("t", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")), &unavailable)

	plain := errors.New("syntax error at or near")
	assert.Equal(t, plain, classify("t", plain))
	assert.NoError(t, classify("t", nil))
}

func TestStore_Lookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		table     string
		args      []driver.Value
		count     int
		wantFound bool
	}{
		{name: "existing table", table: "dim_user", args: []driver.Value{"dim_user", "dim_user__keys"}, count: 2, wantFound: true},
		{name: "missing table", table: "dim_user", args: []driver.Value{"dim_user", "dim_user__keys"}, count: 0},
		{name: "keys table missing", table: "dim_user", args: []driver.Value{"dim_user", "dim_user__keys"}, count: 1},
		{name: "schema qualified", table: "gold.dim_user", args: []driver.Value{"dim_user", "dim_user__keys", "gold"}, count: 2, wantFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mockDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer mockDB.Close()

			mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN (?, ?)`)).
				WithArgs(tt.args...).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.count))

			tbl, err := New(sqlx.NewDb(mockDB, "sqlmock")).Lookup(context.Background(), tt.table)
			if tt.wantFound {
				require.NoError(t, err)
				assert.Equal(t, tt.table, tbl.Name())
			} else {
				var notFound *TableNotFoundError
				require.ErrorAs(t, err, &notFound)
				assert.Equal(t, tt.table, notFound.Table)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_LookupReusesKnownTables(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM information_schema.tables`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	s := New(sqlx.NewDb(mockDB, "sqlmock"))
	first, err := s.Lookup(context.Background(), "dim_user")
	require.NoError(t, err)
	second, err := s.Lookup(context.Background(), "dim_user")
	require.NoError(t, err)
	assert.Same(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = s.Lookup(context.Background(), "dim user")
	require.Error(t, err)
}
