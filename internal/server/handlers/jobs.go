package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/imgjobd/internal/errors"
	"github.com/3leaps/imgjobd/pkg/dispatch"
	"github.com/3leaps/imgjobd/pkg/fanout"
	"github.com/3leaps/imgjobd/pkg/jobregistry"
	"github.com/3leaps/imgjobd/pkg/operation"
)

// maxCreateBody caps POST /v1/jobs bodies.
const maxCreateBody = 1 << 20

// Dispatcher is the part of dispatch.Dispatcher the job routes use.
type Dispatcher interface {
	Supports(kind operation.Kind) bool
	Submit(jobID string) error
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// JobsHandler serves /v1/jobs.
type JobsHandler struct {
	reg      *jobregistry.Registry
	disp     Dispatcher
	hub      *fanout.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewJobsHandler(reg *jobregistry.Registry, disp Dispatcher, hub *fanout.Hub, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		reg:  reg,
		disp: disp,
		hub:  hub,
		log:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/cancel", h.Cancel)
		r.Get("/stream", h.Stream)
	})
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Config json.RawMessage `json:"config"`
	Inputs []string        `json:"inputs,omitempty"`
}

type createJobResponse struct {
	JobID  string             `json:"job_id"`
	Status jobregistry.Status `json:"status"`
}

type listJobsResponse struct {
	Jobs  []jobregistry.Job `json:"jobs"`
	Total int               `json:"total"`
}

func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewInvalidArgument("invalid request body", err))
		return
	}

	config, err := mergeInputs(req.Config, req.Inputs)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidArgument("invalid job config", err))
		return
	}
	kind, err := operation.ParseKind(config)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidArgument("invalid job config", err))
		return
	}
	if !h.disp.Supports(kind) {
		respondWithError(w, r, apperrors.NewInvalidArgument(fmt.Sprintf("unsupported job kind %q", kind), nil))
		return
	}

	id, err := h.reg.Create(r.Context(), config)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to create job"))
		return
	}
	if err := h.disp.Submit(id); err != nil {
		h.log.Warn("Job could not be dispatched", zap.String("job_id", id), zap.Error(err))
		_ = h.reg.SetStatus(context.WithoutCancel(r.Context()), id, jobregistry.StatusError, err.Error())
		if errors.Is(err, dispatch.ErrShuttingDown) {
			respondWithError(w, r, apperrors.NewServiceUnavailable("service is shutting down"))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to dispatch job"))
		return
	}

	job, _ := h.reg.Get(id)
	status := jobregistry.StatusProcessing
	if job != nil {
		status = job.Status
	}
	apperrors.WriteJSON(w, http.StatusAccepted, createJobResponse{JobID: id, Status: status})
}

// mergeInputs folds the request-level inputs list into the config object.
func mergeInputs(config json.RawMessage, inputs []string) (json.RawMessage, error) {
	if len(config) == 0 {
		return nil, errors.New("config is required")
	}
	if len(inputs) == 0 {
		return config, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(config, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("config must be an object")
	}
	obj["inputs"] = inputs
	return json.Marshal(obj)
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.reg.List()
	if want := strings.TrimSpace(r.URL.Query().Get("status")); want != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	apperrors.WriteJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := h.reg.Get(id)
	if !ok {
		respondWithError(w, r, jobNotFound(id))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !h.reg.RequestCancellation(id) {
		respondWithError(w, r, jobNotFound(id))
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "cancelled": true})
}

func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, ok := h.reg.Get(id); !ok {
		respondWithError(w, r, jobNotFound(id))
		return
	}
	if !h.reg.Delete(r.Context(), id) {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), nil, "failed to delete job"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream upgrades to a WebSocket that receives the job's current state and
// every later change.
func (h *JobsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, ok := h.reg.Get(id); !ok {
		respondWithError(w, r, jobNotFound(id))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := fanout.Serve(r.Context(), h.hub, id, conn, h.log); err != nil {
		h.log.Debug("Stream ended", zap.String("job_id", id), zap.Error(err))
	}
}

// defaultCleanupAge applies to POST /v1/cleanup without max_age or status.
const defaultCleanupAge = time.Hour

type cleanupResponse struct {
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
	DryRun  bool     `json:"dry_run"`
}

// Cleanup deletes finished jobs through the registry, so live subscribers
// and the job store stay consistent. Query: max_age (duration), status
// (complete|error), dry_run.
func (h *JobsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sweep := jobregistry.Sweep{Status: jobregistry.Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))}
	if raw := strings.TrimSpace(q.Get("max_age")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondWithError(w, r, apperrors.NewInvalidArgument("max_age must be a positive duration", err))
			return
		}
		sweep.MaxAge = d
	} else if sweep.Status == "" {
		sweep.MaxAge = defaultCleanupAge
	}
	if err := sweep.Validate(); err != nil {
		respondWithError(w, r, apperrors.NewInvalidArgument("invalid cleanup request", err))
		return
	}
	dryRun, _ := strconv.ParseBool(q.Get("dry_run"))

	ids, err := h.reg.Sweep(r.Context(), sweep, dryRun)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "cleanup failed"))
		return
	}
	h.log.Info("Cleanup finished",
		zap.Int("count", len(ids)),
		zap.Bool("dry_run", dryRun),
		zap.Duration("max_age", sweep.MaxAge),
		zap.String("status", string(sweep.Status)))
	apperrors.WriteJSON(w, http.StatusOK, cleanupResponse{Deleted: ids, Count: len(ids), DryRun: dryRun})
}

func (h *JobsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, h.reg.Stats())
}

func jobNotFound(id string) error {
	return apperrors.NewNotFound(fmt.Sprintf("job %s not found", id))
}
