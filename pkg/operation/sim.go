package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// SimConfig controls the simulated pipeline. It is read from the job config.
type SimConfig struct {
	Steps   int    `json:"steps"`
	StepMS  int    `json:"step_ms"`
	Fail    string `json:"fail"`
	Outputs int    `json:"outputs"`
}

// SimModel stands in for a loaded model.
type SimModel struct {
	LoadedAt time.Time
}

func (m *SimModel) Close() error { return nil }

// NewSimModel is the ResourceFactory for KindSim.
func NewSimModel(ctx context.Context) (Resource, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return &SimModel{LoadedAt: time.Now().UTC()}, nil
}

// Sim is a pipeline that sleeps through its steps while reporting progress.
// It is the default backend for every kind when no real one is wired.
type Sim struct{}

func (Sim) Run(ctx context.Context, _ Resource, in Input, sink ProgressSink, probe CancelProbe) (*Result, error) {
	cfg := SimConfig{Steps: 5, StepMS: 200, Outputs: 1}
	if len(in.Config) > 0 {
		if err := json.Unmarshal(in.Config, &cfg); err != nil {
			return nil, fmt.Errorf("parse sim config: %w", err)
		}
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 1
	}
	stepTime := time.Duration(cfg.StepMS) * time.Millisecond

	sink("preparing", "loading inputs", 0)
	if probe() {
		return nil, ErrCancelled
	}

	for i := 1; i <= cfg.Steps; i++ {
		jitter := time.Duration(rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(stepTime + jitter):
		}
		if probe() {
			return nil, ErrCancelled
		}
		if cfg.Fail != "" && i == cfg.Steps {
			return nil, errors.New(cfg.Fail)
		}
		pct := i * 100 / cfg.Steps
		if pct >= 100 {
			pct = 99
		}
		sink("generating", fmt.Sprintf("step %d/%d", i, cfg.Steps), pct)
	}

	artifacts := make([]string, 0, cfg.Outputs)
	for i := 0; i < cfg.Outputs; i++ {
		artifacts = append(artifacts, fmt.Sprintf("%s_%d.png", in.JobID, i))
	}
	sink("saving", "writing outputs", 100)
	return &Result{Artifacts: artifacts, Count: len(artifacts)}, nil
}
