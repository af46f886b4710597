// Package operation defines the boundary between the job core and the
// image backends it dispatches to.
//
// Operations are opaque: they receive their inputs, a progress sink and a
// cancellation probe, and either return a Result or fail. They are expected
// to poll the probe at their natural suspension points and return
// ErrCancelled once they observe it.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind selects the backend a job runs on.
type Kind string

const (
	// KindLocal runs the local GPU inference pipeline.
	KindLocal Kind = "local"
	// KindCloud calls a third-party image API.
	KindCloud Kind = "cloud"
	// KindSim runs the built-in simulated pipeline.
	KindSim Kind = "sim"
)

// ErrCancelled is returned by operations that observed a cancellation
// request.
var ErrCancelled = errors.New("operation cancelled")

// ProgressSink receives progress reports. percent is 0..100.
type ProgressSink func(stage, message string, percent int)

// CancelProbe reports whether the job has been asked to stop.
type CancelProbe func() bool

// Resource is an expensive, reusable handle (a loaded model, a client) that
// is built once per kind and shared by every job of that kind.
type Resource interface {
	Close() error
}

// ResourceFactory builds the resource for a kind.
type ResourceFactory func(ctx context.Context) (Resource, error)

// Input is everything an operation receives about its job.
type Input struct {
	JobID  string
	Inputs []string
	// Config is the caller's configuration document.
	Config json.RawMessage
}

// Result describes what a successful operation produced.
type Result struct {
	Artifacts []string
	Cost      float64
	Count     int
	Extra     map[string]any
}

// Fields flattens the result into the job's result fields.
func (r *Result) Fields() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["artifacts"] = append(make([]string, 0, len(r.Artifacts)), r.Artifacts...)
	if r.Cost != 0 {
		out["cost"] = r.Cost
	}
	if r.Count != 0 {
		out["count"] = r.Count
	}
	return out
}

// Operation is one backend implementation.
//
// res is nil for kinds without a ResourceFactory.
type Operation interface {
	Run(ctx context.Context, res Resource, in Input, sink ProgressSink, probe CancelProbe) (*Result, error)
}

// Func adapts a function to Operation.
type Func func(ctx context.Context, res Resource, in Input, sink ProgressSink, probe CancelProbe) (*Result, error)

func (f Func) Run(ctx context.Context, res Resource, in Input, sink ProgressSink, probe CancelProbe) (*Result, error) {
	return f(ctx, res, in, sink, probe)
}

type kindEnvelope struct {
	Kind   string   `json:"kind"`
	Inputs []string `json:"inputs,omitempty"`
}

// ParseKind reads the "kind" discriminator from a job config.
func ParseKind(config json.RawMessage) (Kind, error) {
	env, err := parseEnvelope(config)
	if err != nil {
		return "", err
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(env.Kind)))
	if kind == "" {
		return "", fmt.Errorf("job config is missing \"kind\"")
	}
	return kind, nil
}

// ParseInputs reads the optional "inputs" list from a job config.
func ParseInputs(config json.RawMessage) ([]string, error) {
	env, err := parseEnvelope(config)
	if err != nil {
		return nil, err
	}
	return env.Inputs, nil
}

func parseEnvelope(config json.RawMessage) (kindEnvelope, error) {
	var env kindEnvelope
	if len(config) == 0 {
		return env, fmt.Errorf("job config is empty")
	}
	if err := json.Unmarshal(config, &env); err != nil {
		return env, fmt.Errorf("parse job config: %w", err)
	}
	return env, nil
}
