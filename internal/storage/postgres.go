package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"coderoom/internal/config"
	"coderoom/internal/ledger"
	"coderoom/internal/session"
)

// Postgres stores the ledger and sessions in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pcfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pcfg.MinConns = 2
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) < pcfg.MaxConns {
		pcfg.MinConns = int32(cfg.MaxIdleConns)
	}
	pcfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

func (db *Postgres) Close() {
	db.pool.Close()
}

func (db *Postgres) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Append serializes writers per owner with a transaction-scoped advisory
// lock, then evicts and inserts.
func (db *Postgres) Append(ctx context.Context, e ledger.Entry, maxPerOwner int) (int, error) {
	evicted := 0
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.OwnerID); err != nil {
			return fmt.Errorf("locking owner: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM executions WHERE owner_id = $1`, e.OwnerID,
		).Scan(&count); err != nil {
			return fmt.Errorf("counting executions: %w", err)
		}

		if n := evictCount(count, maxPerOwner); n > 0 {
			tag, err := tx.Exec(ctx, `
				DELETE FROM executions WHERE id IN (
					SELECT id FROM executions WHERE owner_id = $1
					ORDER BY executed_at ASC, id ASC LIMIT $2
				)`, e.OwnerID, n)
			if err != nil {
				return fmt.Errorf("evicting executions: %w", err)
			}
			evicted = int(tag.RowsAffected())
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, owner_id, file_path, code_snippet, stdout, stderr,
				exit_code, wall_time_ms, timed_out, succeeded, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.OwnerID, e.FilePath, e.CodeSnippet, e.Stdout, e.Stderr,
			e.ExitCode, e.WallTimeMS, e.TimedOut, e.WasSuccessful, e.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

func (db *Postgres) List(ctx context.Context, ownerID string, limit, offset int) ([]ledger.Entry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, owner_id, file_path, code_snippet, stdout, stderr,
			exit_code, wall_time_ms, timed_out, succeeded, executed_at
		FROM executions
		WHERE owner_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.FilePath, &e.CodeSnippet, &e.Stdout, &e.Stderr,
			&e.ExitCode, &e.WallTimeMS, &e.TimedOut, &e.WasSuccessful, &e.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		e.ExecutedAt = e.ExecutedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *Postgres) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

func (db *Postgres) SaveSession(ctx context.Context, sess session.Session) error {
	scrollback := sess.Scrollback
	if scrollback == nil {
		scrollback = []string{}
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, title, kind, code, scrollback, is_active,
			created_at, expires_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			code = EXCLUDED.code,
			scrollback = EXCLUDED.scrollback,
			is_active = EXCLUDED.is_active,
			expires_at = EXCLUDED.expires_at,
			last_activity = EXCLUDED.last_activity`,
		sess.ID, sess.OwnerID, sess.Title, string(sess.Kind), sess.Code, scrollback, sess.Active,
		sess.CreatedAt, sess.ExpiresAt, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (db *Postgres) SaveMember(ctx context.Context, m session.Member) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO session_members (session_id, user_id, permission, is_online, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			permission = EXCLUDED.permission,
			is_online = EXCLUDED.is_online`,
		m.SessionID, m.UserID, string(m.Permission), m.Online, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("saving member %s/%s: %w", m.SessionID, m.UserID, err)
	}
	return nil
}

func (db *Postgres) DeleteMember(ctx context.Context, sessionID, userID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM session_members WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("deleting member %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

func (db *Postgres) LoadSessions(ctx context.Context) ([]session.Session, []session.Member, error) {
	rows, err := db.pool.Query(ctx, `
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
			sess session.Session
			kind string
		)
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &kind, &sess.Code, &sess.Scrollback,
			&sess.Active, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity); err != nil {
			return nil, nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.Kind = session.Kind(kind)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	mrows, err := db.pool.Query(ctx, `
		SELECT session_id, user_id, permission, is_online, joined_at FROM session_members`)
	if err != nil {
		return nil, nil, fmt.Errorf("querying members: %w", err)
	}
	defer mrows.Close()

	var members []session.Member
	for mrows.Next() {
		var (
			m    session.Member
			perm string
		)
		if err := mrows.Scan(&m.SessionID, &m.UserID, &perm, &m.Online, &m.JoinedAt); err != nil {
			return nil, nil, fmt.Errorf("scanning member row: %w", err)
		}
		m.Permission = session.Permission(perm)
		members = append(members, m)
	}
	return sessions, members, mrows.Err()
}
