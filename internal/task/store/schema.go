package store

import (
	"context"
	"fmt"

	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/db/dialect"
)

// InitSchema creates the tables and indexes if they don't exist.
// Column types vary slightly between SQLite and PostgreSQL.
func InitSchema(ctx context.Context, pool *db.Pool) error {
	driver := pool.Writer().DriverName()
	jsonType := dialect.TextType(driver)
	tsType := dialect.TimestampType(driver)

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS installations (
			id TEXT PRIMARY KEY,
			service_kind TEXT NOT NULL,
			org_handle TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			token_expiry %[2]s,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`, jsonType, tsType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			installation_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			event_kind TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 50,
			priority_class TEXT NOT NULL DEFAULT 'default',
			fingerprint TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			source %[1]s NOT NULL DEFAULT '{}',
			execution %[1]s NOT NULL DEFAULT '{}',
			output TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			post_status TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			lease_expires_at %[2]s,
			created_at %[2]s NOT NULL,
			dequeued_at %[2]s,
			started_at %[2]s,
			finished_at %[2]s
		)`, jsonType, tsType),

		`CREATE INDEX IF NOT EXISTS idx_tasks_fingerprint ON tasks(installation_id, fingerprint)`,
		// Backstop for concurrent creates racing the pre-insert dedup lookup.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_fingerprint
			ON tasks(installation_id, fingerprint)
			WHERE status IN ('queued', 'running', 'awaiting-approval')`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_expires_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_metrics (
			task_id TEXT NOT NULL,
			installation_id TEXT NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at %s NOT NULL
		)`, tsType),
		`CREATE INDEX IF NOT EXISTS idx_usage_metrics_task ON usage_metrics(task_id)`,
	}

	w := pool.Writer()
	for _, stmt := range statements {
		if _, err := w.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
