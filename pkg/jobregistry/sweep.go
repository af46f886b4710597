package jobregistry

import (
	"context"
	"fmt"
	"time"
)

// Sweep selects finished jobs for removal. Jobs still queued or processing
// are never selected.
type Sweep struct {
	// MaxAge selects jobs that ended more than MaxAge ago. Zero selects any
	// finished job.
	MaxAge time.Duration
	// Status narrows the sweep to one terminal status. Empty selects both.
	Status Status
}

// Validate rejects sweeps that could select unfinished jobs.
func (s Sweep) Validate() error {
	if s.MaxAge < 0 {
		return fmt.Errorf("max age must be >= 0, got %s", s.MaxAge)
	}
	if s.Status != "" && !s.Status.Terminal() {
		return fmt.Errorf("status must be %q or %q, got %q", StatusComplete, StatusError, s.Status)
	}
	return nil
}

// Selects reports whether j falls under the sweep at now.
func (s Sweep) Selects(j *Job, now time.Time) bool {
	if j == nil || !j.Status.Terminal() {
		return false
	}
	if s.Status != "" && j.Status != s.Status {
		return false
	}
	if s.MaxAge == 0 {
		return true
	}
	if j.EndedAt == nil {
		return false
	}
	return now.Sub(j.EndedAt.UTC()) > s.MaxAge
}

// Sweep deletes every job the sweep selects and returns their ids, newest
// first. With dryRun nothing is deleted.
func (r *Registry) Sweep(ctx context.Context, s Sweep, dryRun bool) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	now := r.opts.Now()
	ids := make([]string, 0)
	for _, j := range r.List() {
		if !s.Selects(&j, now) {
			continue
		}
		if !dryRun && !r.Delete(ctx, j.ID) {
			return ids, fmt.Errorf("delete job %s failed", j.ID)
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}
