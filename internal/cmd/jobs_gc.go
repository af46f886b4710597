package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

const jobsGCLong = `Delete finished job records straight from the job store.

Jobs still queued or processing are never touched. By default records that
ended more than --max-age ago are removed; --status narrows the sweep to
complete or error jobs, and without an explicit --max-age it removes every
finished job with that status.

This command works offline. Stop imgjobd serve first: a running server keeps
serving the jobs it loaded at startup. Against a live server use
POST /v1/cleanup, which takes the same max_age and status parameters.

Examples:
  imgjobd jobs gc --max-age 24h
  imgjobd jobs gc --status error --dry-run`

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age,omitempty"`
	Status       string `json:"status,omitempty"`
}

// gcSweep builds the sweep from the gc flags. --max-age keeps its default
// only when --status is not given.
func gcSweep(cmd *cobra.Command) (jobregistry.Sweep, string, error) {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	status, _ := cmd.Flags().GetString("status")
	status = strings.ToLower(strings.TrimSpace(status))

	sweep := jobregistry.Sweep{Status: jobregistry.Status(status)}
	if status != "" && !cmd.Flags().Changed("max-age") {
		maxAgeStr = ""
	} else {
		if maxAgeStr == "" {
			maxAgeStr = "168h"
		}
		maxAge, err := time.ParseDuration(maxAgeStr)
		if err != nil {
			return sweep, "", err
		}
		if maxAge <= 0 {
			return sweep, "", fmt.Errorf("--max-age must be > 0")
		}
		sweep.MaxAge = maxAge
	}
	if err := sweep.Validate(); err != nil {
		return sweep, "", err
	}
	return sweep, maxAgeStr, nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	sweep, maxAgeStr, err := gcSweep(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid gc flags", err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	n, err := collectJobs(ctx, store, sweep, dryRun, time.Now().UTC())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Job garbage collection failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr, Status: string(sweep.Status)}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

// collectJobs removes the persisted jobs the sweep selects.
func collectJobs(ctx context.Context, store *jobregistry.Store, sweep jobregistry.Sweep, dryRun bool, now time.Time) (int, error) {
	jobs, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range jobs {
		if !sweep.Selects(&jobs[i], now) {
			continue
		}
		if !dryRun {
			if err := store.Delete(ctx, jobs[i].ID); err != nil {
				return deleted, err
			}
		}
		deleted++
	}
	return deleted, nil
}
