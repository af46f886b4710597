package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/internal/config"
	apperrors "github.com/3leaps/imgjobd/internal/errors"
	"github.com/3leaps/imgjobd/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the configured job store.

Examples:
  imgjobd doctor                                # Full environment check
  imgjobd doctor --jobs-root s3://bucket/jobs   # Include S3 credential checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	log := observability.CLILogger
	cfg := config.GetConfig()

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	s3Backend := cfg != nil && cfg.Storage.Backend == config.BackendS3
	total := 5
	if s3Backend {
		total = 6
	}
	step := 1
	ok := true

	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Go runtime %s", step, total, goVersion), zap.String("go_version", goVersion))
	step++

	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Gofulmen v%s", step, total, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Gofulmen version unavailable", step, total))
	}
	step++

	configDir, err := os.UserConfigDir()
	if err != nil {
		ExitWithCode(log, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		return
	}
	log.Info(fmt.Sprintf("[%d/%d] Config directory %s", step, total, configDir), zap.String("config_dir", configDir))
	step++

	if cfg == nil {
		ExitWithCode(log, foundry.ExitInvalidArgument, "Configuration not loaded", nil)
		return
	}
	log.Info(fmt.Sprintf("[%d/%d] Job store %s (%s)", step, total, cfg.Jobs.Root, cfg.Storage.Backend),
		zap.String("backend", cfg.Storage.Backend))
	step++

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if s3Backend {
		if !checkAWSCredentials(ctx, step, total) {
			ok = false
		}
		step++
	}

	store, err := openJobStore(ctx, cfg, log)
	if err == nil {
		err = storeHealthChecker{store: store}.CheckHealth(ctx)
	}
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Job store unreachable", step, total), zap.Error(err))
		ok = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Job store reachable", step, total))
	}

	if ok {
		log.Info("All checks passed")
		return
	}
	ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Some checks failed",
		apperrors.NewExternalServiceError("job store unavailable"))
}

func checkAWSCredentials(ctx context.Context, step, total int) bool {
	log := observability.CLILogger
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Cannot load AWS config", step, total), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Cannot retrieve AWS credentials", step, total), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] AWS credentials found", step, total),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for the S3 job store:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set storage.s3.profile / IMGJOBD_S3_PROFILE to a shared profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi) also set storage.s3.endpoint and storage.s3.force_path_style.")
}
