package session

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
)

// Sweep deactivates every active session past its inactivity window or
// expires_at and marks its members offline. With dryRun it only reports.
// Lazy expiry already covers correctness; the sweep releases presence and
// lets persisted state catch up for sessions nobody touches again.
func (s *Store) Sweep(ctx context.Context, dryRun bool) (SweepReport, error) {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	report := SweepReport{DryRun: dryRun, Deactivated: []string{}}
	now := s.now()
	for _, r := range rooms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.mu.Lock()
		if r.state.Active {
			report.Checked++
			if s.expired(r.state, now) {
				report.Deactivated = append(report.Deactivated, r.state.ID)
				if !dryRun {
					s.deactivate(ctx, r, "sweep")
				}
			}
		}
		r.mu.Unlock()
	}
	sort.Strings(report.Deactivated)

	if !dryRun && s.metrics != nil {
		s.metrics.SessionsSwept.Add(float64(len(report.Deactivated)))
	}
	log.Info().
		Int("checked", report.Checked).
		Int("deactivated", len(report.Deactivated)).
		Bool("dry_run", dryRun).
		Msg("session sweep finished")
	return report, nil
}
