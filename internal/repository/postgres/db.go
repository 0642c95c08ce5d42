package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NordCoder/Herald/internal/obs/retry"
)

type Config struct {
	DSN               string        `mapstructure:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	// ConnectAttempts bounds the initial ping while the database comes up.
	ConnectAttempts int `mapstructure:"connect_attempts"`
}

type DB struct {
	Pool         *pgxpool.Pool
	QueryTimeout time.Duration
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if c.MaxConns > 0 {
		pcfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		pcfg.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = c.HealthCheckPeriod
	}
	return pcfg, nil
}

// New opens the pool and pings it, retrying with backoff up to ConnectAttempts.
func New(ctx context.Context, cfg Config) (*DB, error) {
	pcfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = retry.Do(ctx, func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pctx)
	}, retry.Policy{
		Name:     "pg_connect",
		Attempts: max(cfg.ConnectAttempts, 1),
		Backoff:  retry.ExpoJitter{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.1},
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{Pool: pool, QueryTimeout: cfg.QueryTimeout}, nil
}

func (db *DB) Close() { db.Pool.Close() }

func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.QueryTimeout)
}
