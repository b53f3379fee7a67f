package config

import (
	"time"

	"github.com/pkg/errors"
)

type DuckDBConnection struct {
	Name     string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	Path     string `yaml:"path" json:"path" mapstructure:"path" validate:"required"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty" mapstructure:"read_only"`
}

func (d DuckDBConnection) GetName() string {
	return d.Name
}

type PostgresConnection struct {
	Name         string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	Username     string `yaml:"username" json:"username" mapstructure:"username"`
	Password     string `yaml:"password" json:"password" mapstructure:"password"`
	Host         string `yaml:"host" json:"host" mapstructure:"host" validate:"required"`
	Port         int    `yaml:"port" json:"port" mapstructure:"port" jsonschema:"default=5432"`
	Database     string `yaml:"database" json:"database" mapstructure:"database" validate:"required"`
	Schema       string `yaml:"schema,omitempty" json:"schema" mapstructure:"schema"`
	PoolMaxConns int    `yaml:"pool_max_conns,omitempty" json:"pool_max_conns" mapstructure:"pool_max_conns" default:"10"`
	SslMode      string `yaml:"ssl_mode,omitempty" json:"ssl_mode" mapstructure:"ssl_mode" default:"disable"`
}

func (c PostgresConnection) GetName() string {
	return c.Name
}

type Connections struct {
	DuckDB   []DuckDBConnection   `yaml:"duckdb,omitempty" json:"duckdb,omitempty" mapstructure:"duckdb" validate:"dive"`
	Postgres []PostgresConnection `yaml:"postgres,omitempty" json:"postgres,omitempty" mapstructure:"postgres" validate:"dive"`
}

// Names lists every configured connection, reporting duplicates as an error
// since a job refers to its connection by name only.
func (c *Connections) Names() ([]string, error) {
	if c == nil {
		return nil, nil
	}

	seen := map[string]bool{}
	var names []string
	add := func(name string) error {
		if seen[name] {
			return errors.Errorf("duplicate connection name '%s'", name)
		}
		seen[name] = true
		names = append(names, name)
		return nil
	}

	for _, d := range c.DuckDB {
		if err := add(d.GetName()); err != nil {
			return nil, err
		}
	}
	for _, p := range c.Postgres {
		if err := add(p.GetName()); err != nil {
			return nil, err
		}
	}
	return names, nil
}

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"

	DefaultLockTTL = 30 * time.Second
)

// LockConfig selects how runs of the same entity are serialized.
type LockConfig struct {
	Backend string       `yaml:"backend" json:"backend" validate:"omitempty,oneof=local redis"`
	Redis   *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Backend redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address" json:"address" validate:"required"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	TTL      string `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// LockTTL is how long a lock survives a crashed holder.
func (r *RedisConfig) LockTTL() (time.Duration, error) {
	if r == nil || r.TTL == "" {
		return DefaultLockTTL, nil
	}
	d, err := time.ParseDuration(r.TTL)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid lock ttl '%s'", r.TTL)
	}
	return d, nil
}

func (l *LockConfig) BackendName() string {
	if l == nil || l.Backend == "" {
		return LockBackendLocal
	}
	return l.Backend
}
