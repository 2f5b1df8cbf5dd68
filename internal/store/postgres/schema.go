package postgres

import "context"

// schemaDDL creates the tables the store needs. Statements are idempotent;
// EnsureSchema runs at startup before any cell loads.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id            TEXT PRIMARY KEY,
		project       TEXT NOT NULL,
		name          TEXT NOT NULL,
		reference_id  TEXT,
		description   TEXT,
		action        JSONB NOT NULL,
		payload       JSONB,
		schedule      JSONB,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		last_ran_at   TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS triggers_project_name
		ON triggers (project, name) WHERE status <> 'cancelled'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS triggers_project_reference
		ON triggers (project, reference_id)
		WHERE reference_id IS NOT NULL AND status <> 'cancelled'`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                 TEXT PRIMARY KEY,
		trigger_id         TEXT NOT NULL,
		project            TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		action             JSONB NOT NULL,
		payload            JSONB,
		status             TEXT NOT NULL,
		latest_attempt_id  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS runs_trigger ON runs (trigger_id, id)`,
	`CREATE INDEX IF NOT EXISTS runs_status_created ON runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		trigger_id   TEXT NOT NULL,
		project      TEXT NOT NULL,
		attempt_num  INT NOT NULL,
		status       TEXT NOT NULL,
		details      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, attempt_num)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		project     TEXT NOT NULL,
		name        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return storeErr("ensure schema", err)
		}
	}
	return nil
}
