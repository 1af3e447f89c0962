package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    file_path    TEXT NOT NULL DEFAULT '',
    code_snippet TEXT NOT NULL DEFAULT '',
    stdout       TEXT NOT NULL DEFAULT '',
    stderr       TEXT NOT NULL DEFAULT '',
    exit_code    INTEGER NOT NULL,
    wall_time_ms REAL NOT NULL,
    timed_out    INTEGER NOT NULL DEFAULT 0,
    succeeded    INTEGER NOT NULL DEFAULT 0,
    executed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_owner_time ON executions(owner_id, executed_at, id);

CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL CHECK(kind IN ('simple','collaborative')),
    code          TEXT NOT NULL DEFAULT '',
    scrollback    TEXT NOT NULL DEFAULT '[]',
    is_active     INTEGER NOT NULL DEFAULT 1,
    created_at    INTEGER NOT NULL,
    expires_at    INTEGER,
    last_activity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_members (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL,
    permission TEXT NOT NULL CHECK(permission IN ('view','edit')),
    is_online  INTEGER NOT NULL DEFAULT 0,
    joined_at  INTEGER NOT NULL,
    PRIMARY KEY (session_id, user_id)
);
`

func runSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&current); err != nil {
		// no table yet
		current = 0
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.ExecContext(ctx, sqliteSchemaV1); err != nil {
			return fmt.Errorf("applying schema v1: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, sqliteSchemaVersion)
	return err
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    file_path    TEXT NOT NULL DEFAULT '',
    code_snippet TEXT NOT NULL DEFAULT '',
    stdout       TEXT NOT NULL DEFAULT '',
    stderr       TEXT NOT NULL DEFAULT '',
    exit_code    INTEGER NOT NULL,
    wall_time_ms DOUBLE PRECISION NOT NULL,
    timed_out    BOOLEAN NOT NULL DEFAULT FALSE,
    succeeded    BOOLEAN NOT NULL DEFAULT FALSE,
    executed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_owner_time ON executions(owner_id, executed_at, id);

CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL CHECK (kind IN ('simple','collaborative')),
    code          TEXT NOT NULL DEFAULT '',
    scrollback    TEXT[] NOT NULL DEFAULT '{}',
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ,
    last_activity TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS session_members (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL,
    permission TEXT NOT NULL CHECK (permission IN ('view','edit')),
    is_online  BOOLEAN NOT NULL DEFAULT FALSE,
    joined_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, user_id)
);
`
