package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"coderoom/internal/ledger"
	"coderoom/internal/session"

	_ "modernc.org/sqlite"
)

// SQLite stores the ledger and sessions in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at dsn and runs migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if path := sqliteFilePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := runSQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("opened SQLite store")
	return &SQLite{db: db}, nil
}

func sqliteFilePath(dsn string) string {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing SQLite store")
	}
}

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Append evicts and inserts in one transaction.
func (s *SQLite) Append(ctx context.Context, e ledger.Entry, maxPerOwner int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE owner_id = ?`, e.OwnerID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}

	evicted := 0
	if n := evictCount(count, maxPerOwner); n > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM executions WHERE id IN (
				SELECT id FROM executions WHERE owner_id = ?
				ORDER BY executed_at ASC, id ASC LIMIT ?
			)`, e.OwnerID, n)
		if err != nil {
			return 0, fmt.Errorf("evicting executions: %w", err)
		}
		affected, _ := res.RowsAffected()
		evicted = int(affected)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, owner_id, file_path, code_snippet, stdout, stderr,
			exit_code, wall_time_ms, timed_out, succeeded, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.FilePath, e.CodeSnippet, e.Stdout, e.Stderr,
		e.ExitCode, e.WallTimeMS, e.TimedOut, e.WasSuccessful, toNanos(e.ExecutedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing execution: %w", err)
	}
	return evicted, nil
}

func (s *SQLite) List(ctx context.Context, ownerID string, limit, offset int) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, file_path, code_snippet, stdout, stderr,
			exit_code, wall_time_ms, timed_out, succeeded, executed_at
		FROM executions
		WHERE owner_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			executedAt int64
		)
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.FilePath, &e.CodeSnippet, &e.Stdout, &e.Stderr,
			&e.ExitCode, &e.WallTimeMS, &e.TimedOut, &e.WasSuccessful, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		e.ExecutedAt = fromNanos(executedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess session.Session) error {
	scrollback, err := json.Marshal(sess.Scrollback)
	if err != nil {
		return fmt.Errorf("encoding scrollback: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, title, kind, code, scrollback, is_active,
			created_at, expires_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			code = excluded.code,
			scrollback = excluded.scrollback,
			is_active = excluded.is_active,
			expires_at = excluded.expires_at,
			last_activity = excluded.last_activity`,
		sess.ID, sess.OwnerID, sess.Title, string(sess.Kind), sess.Code, string(scrollback), sess.Active,
		toNanos(sess.CreatedAt), nullableNanos(sess.ExpiresAt), toNanos(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLite) SaveMember(ctx context.Context, m session.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_members (session_id, user_id, permission, is_online, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			permission = excluded.permission,
			is_online = excluded.is_online`,
		m.SessionID, m.UserID, string(m.Permission), m.Online, toNanos(m.JoinedAt),
	)
	if err != nil {
		return fmt.Errorf("saving member %s/%s: %w", m.SessionID, m.UserID, err)
	}
	return nil
}

func (s *SQLite) DeleteMember(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_members WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("deleting member %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

func (s *SQLite) LoadSessions(ctx context.Context) ([]session.Session, []session.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, kind, code, scrollback, is_active,
			created_at, expires_at, last_activity
		FROM sessions`)
	if err != nil {
		return nil, nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var (
			sess                    session.Session
			kind, scrollback        string
			createdAt, lastActivity int64
			expiresAt               sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &kind, &sess.Code, &scrollback,
			&sess.Active, &createdAt, &expiresAt, &lastActivity); err != nil {
			return nil, nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.Kind = session.Kind(kind)
		if err := json.Unmarshal([]byte(scrollback), &sess.Scrollback); err != nil {
			return nil, nil, fmt.Errorf("decoding scrollback for %s: %w", sess.ID, err)
		}
		sess.CreatedAt = fromNanos(createdAt)
		sess.LastActivity = fromNanos(lastActivity)
		if expiresAt.Valid {
			t := fromNanos(expiresAt.Int64)
			sess.ExpiresAt = &t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	members, err := s.loadMembers(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sessions, members, nil
}

func (s *SQLite) loadMembers(ctx context.Context) ([]session.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, permission, is_online, joined_at FROM session_members`)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []session.Member
	for rows.Next() {
		var (
			m        session.Member
			perm     string
			joinedAt int64
		)
		if err := rows.Scan(&m.SessionID, &m.UserID, &perm, &m.Online, &joinedAt); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		m.Permission = session.Permission(perm)
		m.JoinedAt = fromNanos(joinedAt)
		members = append(members, m)
	}
	return members, rows.Err()
}
