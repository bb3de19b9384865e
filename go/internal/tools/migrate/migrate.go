package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/dbconfig"
)

// Schema bootstrap for the link shortener and its event pipeline. Statements
// are idempotent so the tool can run on every deploy.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS links (
		id          UUID PRIMARY KEY,
		short_code  TEXT NOT NULL UNIQUE,
		target_url  TEXT NOT NULL,
		tenant_id   TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at  TIMESTAMPTZ,
		click_count BIGINT NOT NULL DEFAULT 0,
		expired     BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             UUID PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		trace_id       CHAR(32),
		span_id        CHAR(16),
		trace_flags    CHAR(2),
		trace_state    TEXT,
		context        JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by     TEXT NOT NULL DEFAULT '',
		tenant_id      TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING', 'PROCESSED', 'FAILED')),
		retry_count    INT NOT NULL DEFAULT 0,
		error_message  TEXT,
		processed_at   TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending
		ON outbox_events (created_at) WHERE status = 'PENDING'`,

	`CREATE INDEX IF NOT EXISTS idx_outbox_events_processed_at
		ON outbox_events (processed_at) WHERE status = 'PROCESSED'`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id      UUID NOT NULL,
		consumer_name TEXT NOT NULL,
		processed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (event_id, consumer_name)
	)`,

	`CREATE TABLE IF NOT EXISTS link_analytics (
		link_id         TEXT PRIMARY KEY,
		short_code      TEXT NOT NULL DEFAULT '',
		target_url      TEXT NOT NULL DEFAULT '',
		total_clicks    BIGINT NOT NULL DEFAULT 0,
		last_clicked_at TIMESTAMPTZ,
		expired         BOOLEAN NOT NULL DEFAULT FALSE,
		expired_at      TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// Commit hook: every ledger insert raises a notification carrying the
	// row id, which is what wakes the relay listener.
	`CREATE OR REPLACE FUNCTION outbox_notify() RETURNS TRIGGER AS $$
	BEGIN
		PERFORM pg_notify('outbox_events', NEW.id::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS outbox_events_notify ON outbox_events`,

	`CREATE TRIGGER outbox_events_notify
		AFTER INSERT ON outbox_events
		FOR EACH ROW EXECUTE FUNCTION outbox_notify()`,
}

func main() {
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	for i, stmt := range statements {
		if _, err := pool.Exec(context.Background(), stmt); err != nil {
			fmt.Fprintf(os.Stderr, "statement %d failed: %v\n", i+1, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Migration complete: %d statements applied\n", len(statements))
}
