package storage

import (
	"context"
	"fmt"
	"time"

	"coderoom/internal/config"
	"coderoom/internal/ledger"
	"coderoom/internal/session"
)

// Store is a durable backend for both the execution ledger and the session
// store.
type Store interface {
	ledger.Store
	session.Persister
	Healthy(ctx context.Context) bool
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

// Timestamps are stored as UTC unix nanoseconds in SQLite so that ordering
// by (executed_at, id) is numeric.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

// evictCount is how many of an owner's oldest entries must go so that one
// more fits under maxPerOwner.
func evictCount(count, maxPerOwner int) int {
	if maxPerOwner <= 0 || count < maxPerOwner {
		return 0
	}
	return count - maxPerOwner + 1
}

// Open returns the store selected by cfg.Driver, or nil when no database
// is configured.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		st, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
