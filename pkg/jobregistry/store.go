package jobregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Store persists and loads Jobs through a Backend.
//
// The store never decides when to write; that policy belongs to the Registry.
type Store struct {
	backend Backend
	logger  *zap.Logger
}

// NewStore creates a store over backend. A nil logger disables logging.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, logger: logger}
}

// Backend returns the underlying document backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Write(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	if err := s.backend.Write(ctx, jobID, b); err != nil {
		return fmt.Errorf("write job %s: %w", jobID, err)
	}
	return nil
}

// Get loads a single job. Missing documents wrap ErrNotFound; unreadable
// ones wrap ErrCorrupt.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := s.backend.Read(ctx, jobID)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	return decodeJob(jobID, b)
}

func decodeJob(jobID string, b []byte) (*Job, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s: job.json is empty", ErrCorrupt, jobID)
	}

	var job Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: parse job.json: %v", ErrCorrupt, jobID, err)
	}
	if job.ID != jobID {
		return nil, fmt.Errorf("%w: %s: job_id mismatch %q", ErrCorrupt, jobID, job.ID)
	}
	switch job.Status {
	case StatusQueued, StatusProcessing, StatusComplete, StatusError:
	default:
		return nil, fmt.Errorf("%w: %s: unknown status %q", ErrCorrupt, jobID, job.Status)
	}
	return &job, nil
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.backend.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// List returns every readable job, newest first. Unreadable units are
// skipped, not removed.
func (s *Store) List(ctx context.Context) ([]Job, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

// ReconcileResult summarizes a startup reconciliation.
type ReconcileResult struct {
	Loaded  []*Job
	Corrupt int
	Stale   int
	// Failed counts units that should have been discarded but could not be
	// removed.
	Failed int
}

// Reconcile enumerates every persisted unit and classifies it:
//
//   - missing, empty or unparsable documents are removed (corrupt)
//   - documents still claiming queued/processing are removed (stale: the
//     owning process died and the operation cannot be resumed)
//   - everything else is returned for loading
//
// Individual unit failures are logged and never abort the reconciliation.
func (s *Store) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{Loaded: make([]*Job, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		job, err := s.Get(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn("Discarding corrupt job record", zap.String("job_id", id), zap.Error(err))
			res.Corrupt++
		case job.Status == StatusProcessing || job.Status == StatusQueued:
			s.logger.Warn("Discarding stale job record",
				zap.String("job_id", id),
				zap.String("status", string(job.Status)))
			res.Stale++
		default:
			res.Loaded = append(res.Loaded, job)
			continue
		}

		if err := s.backend.Remove(ctx, id); err != nil {
			s.logger.Error("Failed to remove discarded job record", zap.String("job_id", id), zap.Error(err))
			res.Failed++
		}
	}

	s.logger.Info("Job store reconciled",
		zap.Int("loaded", len(res.Loaded)),
		zap.Int("discarded_corrupt", res.Corrupt),
		zap.Int("discarded_stale", res.Stale),
		zap.Int("remove_failures", res.Failed))

	return res, nil
}
