// Package cmd implements the imgjobd command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/imgjobd/internal/config"
	"github.com/3leaps/imgjobd/internal/observability"
	"github.com/3leaps/imgjobd/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// AppIdentity names the binary, its env prefix and its config directory.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity resolved during startup, or nil before
// any command ran.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "imgjobd",
	Short: "Asynchronous image-generation job server",
	Long: `imgjobd accepts image-generation jobs over HTTP, runs them in the background
on a single compute gate and streams their progress to WebSocket subscribers.

Job records are persisted one document per job, on disk or in S3, and survive
restarts.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/imgjobd/imgjobd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("jobs-root", "", "Job store location (directory or s3://bucket/prefix)")
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}

// overrideFlags maps flag names to dotted config keys. Only flags the running
// command defines and the user set are applied.
var overrideFlags = map[string]string{
	"jobs-root":    "jobs.root",
	"host":         "server.host",
	"port":         "server.port",
	"start-policy": "jobs.start_policy",
	"workers":      "jobs.workers",
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	if logLevel != "" {
		out["logging.level"] = logLevel
	}
	for flag, key := range overrideFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			n, _ := cmd.Flags().GetInt(flag)
			out[key] = n
		default:
			out[key] = f.Value.String()
		}
	}
	return out
}

func initConfig(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(ctx, flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}
