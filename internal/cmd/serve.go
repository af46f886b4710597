package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/internal/config"
	"github.com/3leaps/imgjobd/internal/observability"
	"github.com/3leaps/imgjobd/internal/server"
	"github.com/3leaps/imgjobd/internal/server/handlers"
	"github.com/3leaps/imgjobd/pkg/dispatch"
	"github.com/3leaps/imgjobd/pkg/fanout"
	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job server",
	Long: `Start the HTTP server: the job API under /v1, WebSocket progress streams and
health probes.

On startup the job store is reconciled: unreadable records and records left
queued or processing by a previous process are discarded. On SIGINT/SIGTERM
running jobs are cancelled and given jobs.shutdown_grace to finish before the
HTTP server stops.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().String("start-policy", "", "Initial job status: processing or queued")
	serveCmd.Flags().Int("workers", 0, "Maximum concurrently dispatched jobs")
}

// signalHealthChecker reports the process can still receive signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("identity check failed: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("identity check failed: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("identity check failed: missing config name")
	}
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration not loaded", nil)
	}
	log := observability.CLILogger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openJobStore(ctx, cfg, log.Named("store"))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	reg, err := jobregistry.Open(ctx, store, jobregistry.Options{
		StartPolicy:      cfg.StartPolicy(),
		ThrottleInterval: cfg.Jobs.ThrottleInterval,
		Logger:           log.Named("registry"),
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load job store", err)
	}

	hub := fanout.NewHub(reg, log.Named("fanout"), fanout.Config{
		QueueSize:        cfg.Fanout.QueueSize,
		SubscriberBuffer: cfg.Fanout.SubscriberBuffer,
		SendTimeout:      cfg.Fanout.SendTimeout,
	})
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)
	reg.SetNotifier(hub)
	reg.SetSubscriberCounter(hub)

	disp := dispatch.New(reg, dispatch.SimBackends(), dispatch.Options{
		Workers:        cfg.Jobs.Workers,
		ShutdownGrace:  cfg.Jobs.ShutdownGrace,
		InitAttempts:   cfg.Jobs.InitAttempts,
		InitRetryDelay: cfg.Jobs.InitRetryDelay,
		Logger:         log.Named("dispatch"),
	})

	health := handlers.InitHealthManager(versionInfo.Version)
	health.SetStarted(false)
	health.RegisterChecker("signal", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	health.RegisterChecker("job_store", storeHealthChecker{store: store})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(handlers.NewJobsHandler(reg, disp, hub, log.Named("http"))),
		server.WithLogger(log.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	health.SetStarted(true)

	log.Info("imgjobd started",
		zap.String("addr", srv.Addr()),
		zap.String("jobs_root", cfg.Jobs.Root),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("start_policy", string(cfg.StartPolicy())),
		zap.String("version", versionInfo.Version))

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdown(log, cfg, srv, disp, hub)

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", serveErr)
	}
	return nil
}

// shutdown cancels running jobs before closing the HTTP server and the hub so
// their terminal snapshots still reach subscribers. Creates arriving in the
// meantime are rejected by the dispatcher.
func shutdown(log *zap.Logger, cfg *config.Config, srv *server.Server, disp *dispatch.Dispatcher, hub *fanout.Hub) {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := disp.Shutdown(ctx); err != nil {
		log.Warn("Dispatcher did not drain", zap.Error(err))
	}
	syncCtx, syncCancel := context.WithTimeout(ctx, time.Second)
	if err := hub.Sync(syncCtx); err != nil {
		log.Debug("Fan-out hub not drained", zap.Error(err))
	}
	syncCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	hub.Close()
	log.Info("imgjobd stopped")
}
