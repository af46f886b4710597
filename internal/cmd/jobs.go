package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/imgjobd/internal/config"
	"github.com/3leaps/imgjobd/internal/observability"
	"github.com/3leaps/imgjobd/pkg/jobregistry"
	"github.com/3leaps/imgjobd/pkg/operation"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted job records",
	Long: `Inspect the job store directly, without a running server.

This command group is designed to be agent-friendly:

- stable job ids (short prefixes are accepted)
- optional JSON output for machine parsing
- glob filtering on <status>/<kind>/<job_id>`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs newest first.

--match filters on the path <status>/<kind>/<job_id> with doublestar globs:

  imgjobd jobs list --match 'error/**'
  imgjobd jobs list --match '*/sim/*'`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect finished job records (server stopped)",
	Long:  jobsGCLong,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("match", "", "Glob on <status>/<kind>/<job_id>")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().String("status", "", "Only delete finished jobs with this status (complete or error)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func commandStore(cmd *cobra.Command) (context.Context, *jobregistry.Store, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openJobStore(ctx, config.GetConfig(), observability.CLILogger)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to open job store", err)
	}
	return ctx, store, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	pattern, _ := cmd.Flags().GetString("match")
	pattern = strings.TrimSpace(pattern)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad pattern %q", pattern))
	}

	ctx, store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	jobs = filterJobs(jobs, pattern)

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	writeJobsTable(out, jobs)
	return nil
}

func writeJobsTable(out io.Writer, jobs []jobregistry.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tSTATUS\tPROGRESS\tCREATED\tENDED\tERROR")
	for _, j := range jobs {
		progress := "-"
		if j.Progress != nil {
			progress = fmt.Sprintf("%d%% %s", j.Progress.Percent, j.Progress.Stage)
		}
		errMsg := j.Error
		if errMsg == "" {
			errMsg = "-"
		}
		created := j.CreatedAt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			jobKind(j),
			j.Status,
			progress,
			formatOptionalTime(&created),
			formatOptionalTime(j.EndedAt),
			errMsg,
		)
	}
}

// jobKind is the config's kind, or "-" when unreadable.
func jobKind(j jobregistry.Job) string {
	kind, err := operation.ParseKind(j.Config)
	if err != nil {
		return "-"
	}
	return string(kind)
}

// matchPath is the path --match globs are applied to.
func matchPath(j jobregistry.Job) string {
	return string(j.Status) + "/" + jobKind(j) + "/" + j.ID
}

func filterJobs(jobs []jobregistry.Job, pattern string) []jobregistry.Job {
	if pattern == "" {
		return jobs
	}
	out := make([]jobregistry.Job, 0, len(jobs))
	for _, j := range jobs {
		if ok, _ := doublestar.Match(pattern, matchPath(j)); ok {
			out = append(out, j)
		}
	}
	return out
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx, store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	rec, err := store.Get(ctx, resolvedID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.ID)
	_, _ = fmt.Fprintf(out, "kind=%s\n", jobKind(*rec))
	_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	if rec.Progress != nil {
		_, _ = fmt.Fprintf(out, "progress=%d\n", rec.Progress.Percent)
		_, _ = fmt.Fprintf(out, "stage=%s\n", rec.Progress.Stage)
		if rec.Progress.Message != "" {
			_, _ = fmt.Fprintf(out, "message=%s\n", rec.Progress.Message)
		}
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if artifacts, ok := rec.Result["artifacts"]; ok {
		_, _ = fmt.Fprintf(out, "artifacts=%v\n", artifacts)
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full id or an unambiguous prefix.
func resolveJobID(ctx context.Context, store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	_, err := store.Get(ctx, input)
	if err == nil {
		return input, nil
	}
	if !errors.Is(err, jobregistry.ErrNotFound) {
		return "", err
	}

	// Prefix match (allows table-friendly short IDs).
	ids, err := store.Backend().List(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, id := range ids {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
