// Package ledger keeps a bounded, append-only history of executions per
// owner. Entries are truncated once when stored and again, more
// aggressively, when listed for display.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coderoom/internal/config"
	"coderoom/internal/monitor"
	"coderoom/internal/sandbox"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
	previewEllipsis  = "..."
)

// Entry is one stored execution. Entries are never modified after insert.
type Entry struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	FilePath      string    `json:"file_path,omitempty"`
	CodeSnippet   string    `json:"code_snippet"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ExitCode      int       `json:"exit_code"`
	WallTimeMS    float64   `json:"wall_time_ms"`
	TimedOut      bool      `json:"timed_out"`
	WasSuccessful bool      `json:"was_successful"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Preview is the display form of an Entry returned by List.
type Preview struct {
	ID            string    `json:"id"`
	FilePath      string    `json:"file_path,omitempty"`
	CodeSnippet   string    `json:"code_snippet"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ExitCode      int       `json:"exit_code"`
	WallTimeMS    float64   `json:"wall_time_ms"`
	TimedOut      bool      `json:"timed_out"`
	WasSuccessful bool      `json:"was_successful"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Page is one page of an owner's history.
type Page struct {
	Entries []Preview `json:"history"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// Store persists entries. Append must evict the owner's oldest entries,
// ordered by (ExecutedAt, ID), until fewer than maxPerOwner remain, then
// insert e, all atomically with respect to other Appends for the same owner.
type Store interface {
	Append(ctx context.Context, e Entry, maxPerOwner int) (evicted int, err error)
	// List returns the owner's entries most recent first.
	List(ctx context.Context, ownerID string, limit, offset int) ([]Entry, error)
	Count(ctx context.Context, ownerID string) (int, error)
}

// Limits are the two truncation tiers.
type Limits struct {
	MaxEntriesPerOwner int
	SnippetLimit       int
	OutputLimit        int
	PreviewCode        int
	PreviewOutput      int
}

func LimitsFromConfig(lc config.LedgerConfig, sc config.SandboxConfig) Limits {
	return Limits{
		MaxEntriesPerOwner: lc.MaxEntriesPerOwner,
		SnippetLimit:       lc.SnippetLimit,
		OutputLimit:        sc.OutputLimit,
		PreviewCode:        lc.PreviewCodeLimit,
		PreviewOutput:      lc.PreviewOutputLimit,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntriesPerOwner <= 0 {
		l.MaxEntriesPerOwner = 100
	}
	if l.SnippetLimit <= 0 {
		l.SnippetLimit = 1000
	}
	if l.OutputLimit <= 0 {
		l.OutputLimit = 5000
	}
	if l.PreviewCode <= 0 {
		l.PreviewCode = 200
	}
	if l.PreviewOutput <= 0 {
		l.PreviewOutput = 500
	}
	return l
}

type Ledger struct {
	store   Store
	limits  Limits
	metrics *monitor.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithMetrics(m *monitor.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithClock overrides the time source for ExecutedAt.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(store Store, limits Limits, opts ...Option) *Ledger {
	l := &Ledger{store: store, limits: limits.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores a truncated snapshot of res for ownerID, evicting the
// owner's oldest entries if the cap is reached.
func (l *Ledger) Record(ctx context.Context, ownerID string, res *sandbox.ExecutionResult, code, filePath string) (Entry, error) {
	return l.recordAt(ctx, ownerID, res, code, filePath, l.now())
}

func (l *Ledger) recordAt(ctx context.Context, ownerID string, res *sandbox.ExecutionResult, code, filePath string, at time.Time) (Entry, error) {
	if ownerID == "" {
		return Entry{}, fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	if res == nil {
		return Entry{}, fmt.Errorf("%w: result is required", ErrInvalidArgument)
	}

	id := res.ID
	if id == "" {
		id = uuid.NewString()
	}
	e := Entry{
		ID:            id,
		OwnerID:       ownerID,
		FilePath:      filePath,
		CodeSnippet:   truncateRunes(code, l.limits.SnippetLimit),
		Stdout:        truncateBytes(res.Stdout, l.limits.OutputLimit),
		Stderr:        truncateBytes(res.Stderr, l.limits.OutputLimit),
		ExitCode:      res.ExitCode,
		WallTimeMS:    res.WallTimeMS,
		TimedOut:      res.TimedOut,
		WasSuccessful: res.Succeeded(),
		ExecutedAt:    at.UTC(),
	}

	evicted, err := l.store.Append(ctx, e, l.limits.MaxEntriesPerOwner)
	if err != nil {
		l.countWrite("error")
		return Entry{}, fmt.Errorf("appending ledger entry %s: %w", e.ID, err)
	}
	l.countWrite("ok")
	if evicted > 0 {
		if l.metrics != nil {
			l.metrics.LedgerEvictions.Add(float64(evicted))
		}
		log.Debug().Str("owner_id", ownerID).Int("evicted", evicted).Msg("ledger evicted oldest entries")
	}
	return e, nil
}

// RecordExecution adapts Record to sandbox.Recorder.
func (l *Ledger) RecordExecution(ctx context.Context, req sandbox.ExecutionRequest, res *sandbox.ExecutionResult) error {
	_, err := l.Record(ctx, req.OwnerID, res, req.Code, req.FilePath)
	return err
}

// List returns one page of ownerID's history, most recent first, with
// display previews recomputed from the stored entries.
func (l *Ledger) List(ctx context.Context, ownerID string, limit, offset int) (Page, error) {
	if ownerID == "" {
		return Page{}, fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: offset must be >= 0", ErrInvalidArgument)
	}
	limit = ClampLimit(limit)

	entries, err := l.store.List(ctx, ownerID, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("listing ledger for %s: %w", ownerID, err)
	}
	total, err := l.store.Count(ctx, ownerID)
	if err != nil {
		return Page{}, fmt.Errorf("counting ledger for %s: %w", ownerID, err)
	}

	page := Page{Entries: make([]Preview, 0, len(entries)), Total: total, Limit: limit, Offset: offset}
	for _, e := range entries {
		page.Entries = append(page.Entries, l.preview(e))
	}
	return page, nil
}

func (l *Ledger) preview(e Entry) Preview {
	return Preview{
		ID:            e.ID,
		FilePath:      e.FilePath,
		CodeSnippet:   previewOf(e.CodeSnippet, l.limits.PreviewCode),
		Stdout:        previewOf(e.Stdout, l.limits.PreviewOutput),
		Stderr:        e.Stderr,
		ExitCode:      e.ExitCode,
		WallTimeMS:    e.WallTimeMS,
		TimedOut:      e.TimedOut,
		WasSuccessful: e.WasSuccessful,
		ExecutedAt:    e.ExecutedAt,
	}
}

func (l *Ledger) countWrite(result string) {
	if l.metrics != nil {
		l.metrics.LedgerWrites.WithLabelValues(result).Inc()
	}
}

// ClampLimit maps a requested page size into [1, MaxListLimit]; zero or
// negative selects DefaultListLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func previewOf(s string, max int) string {
	t := truncateRunes(s, max)
	if len(t) < len(s) {
		return t + previewEllipsis
	}
	return t
}

// truncateRunes keeps at most max characters.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// truncateBytes keeps at most max bytes without splitting a character.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
