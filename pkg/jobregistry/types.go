package jobregistry

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type Status string

const (
	// StatusQueued is only used when the registry runs with StartQueued.
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// canTransition reports whether from -> to is a legal status change.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusProcessing:
		return from == StatusQueued
	case StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// StartPolicy selects the status a freshly created job starts in.
type StartPolicy string

const (
	// StartProcessing registers jobs directly as processing; the dispatcher's
	// gate provides the effective queueing.
	StartProcessing StartPolicy = "processing"
	// StartQueued registers jobs as queued; the dispatcher promotes them once
	// it holds the gate.
	StartQueued StartPolicy = "queued"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound = errors.New("job not found")
	ErrTerminal = errors.New("job is in a terminal state")
	ErrCorrupt  = errors.New("job record is corrupt")
)

// Progress is the most recent progress report for a job.
type Progress struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is the persistent record written to job.json.
//
// Config is opaque to the registry. Result is only ever set through
// Registry.UpdateData.
type Job struct {
	ID        string          `json:"job_id"`
	Status    Status          `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    map[string]any  `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// clone returns a deep copy so callers never share mutable state with the
// registry.
func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Config != nil {
		out.Config = append(json.RawMessage(nil), j.Config...)
	}
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.Result != nil {
		out.Result = cloneMap(j.Result)
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Snapshot is the composite view pushed to subscribers.
type Snapshot struct {
	JobID    string    `json:"job_id"`
	Status   Status    `json:"status"`
	Progress *Progress `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (j *Job) snapshot() Snapshot {
	s := Snapshot{JobID: j.ID, Status: j.Status, Error: j.Error}
	if j.Progress != nil {
		p := *j.Progress
		s.Progress = &p
	}
	return s
}

// Stats is an aggregate view of the registry.
type Stats struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"by_status"`
	ActiveSubscribers int            `json:"active_subscribers"`
}
