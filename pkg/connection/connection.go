package connection

import (
	"context"
	"sync"

	"github.com/dimsync/dimsync/pkg/config"
	duck "github.com/dimsync/dimsync/pkg/duckdb"
	"github.com/dimsync/dimsync/pkg/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type (
	duckOpener     func(ctx context.Context, c duck.Config) (*sqlx.DB, error)
	postgresOpener func(ctx context.Context, c postgres.Config) (*sqlx.DB, error)
)

// Manager hands out database handles for the connections of the selected
// environment. Handles are opened on first use and shared afterwards.
type Manager struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	openDuck     duckOpener
	openPostgres postgresOpener

	mu       sync.Mutex
	DuckDB   map[string]*sqlx.DB
	Postgres map[string]*sqlx.DB
}

func NewManagerFromConfig(cm *config.Config, logger *zap.SugaredLogger) (*Manager, error) {
	if cm.SelectedEnvironment == nil {
		return nil, errors.New("no environment selected")
	}
	if _, err := cm.SelectedEnvironment.Connections.Names(); err != nil {
		return nil, errors.Wrapf(err, "invalid connections in environment '%s'", cm.SelectedEnvironmentName)
	}

	return &Manager{
		cfg:          cm,
		logger:       logger,
		openDuck:     duck.Open,
		openPostgres: postgres.Open,
		DuckDB:       map[string]*sqlx.DB{},
		Postgres:     map[string]*sqlx.DB{},
	}, nil
}

// GetConnection returns the database for a named connection, opening it when
// needed. role only flavours the error message, e.g. "target" or "source".
func (m *Manager) GetConnection(ctx context.Context, role, name string) (*sqlx.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.DuckDB[name]; ok {
		return db, nil
	}
	if db, ok := m.Postgres[name]; ok {
		return db, nil
	}

	switch conn := m.cfg.GetConnection(name).(type) {
	case *config.DuckDBConnection:
		db, err := m.openDuck(ctx, duck.Config{Path: conn.Path, ReadOnly: conn.ReadOnly})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open duckdb connection '%s'", name)
		}
		m.logger.Debugf("opened duckdb connection '%s' at %s", name, conn.Path)
		m.DuckDB[name] = db
		return db, nil

	case *config.PostgresConnection:
		db, err := m.openPostgres(ctx, postgres.Config{
			Username:     conn.Username,
			Password:     conn.Password,
			Host:         conn.Host,
			Port:         conn.Port,
			Database:     conn.Database,
			Schema:       conn.Schema,
			PoolMaxConns: conn.PoolMaxConns,
			SslMode:      conn.SslMode,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open postgres connection '%s'", name)
		}
		m.logger.Debugf("opened postgres connection '%s' to %s", name, conn.Host)
		m.Postgres[name] = db
		return db, nil
	}

	return nil, m.cfg.ConnectionNotFoundError(role, name)
}

// Close releases every opened handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, db := range m.DuckDB {
		if err := db.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close '%s'", name))
		}
	}
	for name, db := range m.Postgres {
		if err := db.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close '%s'", name))
		}
	}
	m.DuckDB = map[string]*sqlx.DB{}
	m.Postgres = map[string]*sqlx.DB{}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
