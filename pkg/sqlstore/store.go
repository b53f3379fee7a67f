package sqlstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dimsync/dimsync/pkg/store"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Store keeps every entity table in a SQL database reachable through sqlx.
// Each entity gets a rows table holding its versions and a "<name>__keys"
// table holding the per-key version tokens used to detect concurrent writers.
type Store struct {
	db       *sqlx.DB
	logger   *zap.SugaredLogger
	pageSize int

	mu     sync.Mutex
	tables map[string]*Table
}

type Option func(*Store)

// WithPageSize sets how many versions HistoryFor reads per query.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   zap.NewNop().Sugar(),
		pageSize: 500,
		tables:   map[string]*Table{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Table returns the named entity table, creating its storage if missing.
func (s *Store) Table(ctx context.Context, name string) (store.Table, error) {
	return s.table(ctx, name)
}

// Lookup returns an entity table that already exists. Unlike Table it never
// creates storage, and a missing table is a *TableNotFoundError.
func (s *Store) Lookup(ctx context.Context, name string) (store.Table, error) {
	if !identifierPattern.MatchString(name) {
		return nil, errors.Errorf("invalid table name '%s'", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	t := s.newTable(name)
	found, err := t.exists(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &TableNotFoundError{Table: name}
	}

	s.tables[name] = t
	return t, nil
}

func (s *Store) table(ctx context.Context, name string) (*Table, error) {
	if !identifierPattern.MatchString(name) {
		return nil, errors.Errorf("invalid table name '%s'", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	t := s.newTable(name)
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}

	s.tables[name] = t
	return t, nil
}

func (s *Store) newTable(name string) *Table {
	return &Table{
		name:     name,
		db:       s.db,
		logger:   s.logger,
		pageSize: s.pageSize,
		rows:     quoteIdentifier(name),
		keys:     quoteIdentifier(name + "__keys"),
	}
}

func quoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = fmt.Sprintf(`"%s"`, p)
	}
	return strings.Join(parts, ".")
}
