// Package postgres stores execution records and workflow definitions in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

func NewPool(ctx context.Context, conf Config) (*pgxpool.Pool, error) {
	poolConf, err := pgxpool.ParseConfig(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if conf.MaxConns > 0 {
		poolConf.MaxConns = conf.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConf)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id            UUID PRIMARY KEY,
	workflow_id   BIGINT NOT NULL,
	tenant_id     UUID,
	triggered_by  TEXT NOT NULL,
	trigger_data  JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	execution_log JSONB NOT NULL DEFAULT '[]',
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS workflow_executions_workflow_idx ON workflow_executions (workflow_id, started_at DESC);
CREATE INDEX IF NOT EXISTS workflow_executions_tenant_idx ON workflow_executions (tenant_id, started_at DESC);
CREATE INDEX IF NOT EXISTS workflow_executions_active_idx ON workflow_executions (started_at) WHERE status IN ('pending', 'running');

CREATE SEQUENCE IF NOT EXISTS workflow_ids;
CREATE TABLE IF NOT EXISTS workflows (
	id          BIGINT PRIMARY KEY,
	tenant_id   UUID,
	name        TEXT NOT NULL,
	event_types TEXT[] NOT NULL DEFAULT '{}',
	definition  JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	deleted_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflows_event_types_idx ON workflows USING GIN (event_types);
`

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
