package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
	"github.com/esgf-tools/esgfetch/pkg/api"
	"github.com/esgf-tools/esgfetch/pkg/auth"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/config"
	"github.com/esgf-tools/esgfetch/pkg/engine"
	"github.com/esgf-tools/esgfetch/pkg/metrics"
	"github.com/esgf-tools/esgfetch/pkg/session"
)

var fetchOnce bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download waiting transfers from the catalog",
	Long: `Start the download engine. It continuously scans the catalog for
waiting transfers and fetches them concurrently across data nodes,
verifying checksums and recording the outcome of every transfer.

On SIGINT or SIGTERM, in-flight downloads are aborted, their partial
files removed, and the transfers put back to waiting so the next run
retries them from the start.

Examples:
  # Run until interrupted, picking up freshly discovered transfers
  esgfetch fetch

  # Drain the current backlog and exit
  esgfetch fetch --once

  # Run with debug logging
  ESGFETCH_LOGGING_LEVEL=DEBUG esgfetch fetch`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchOnce, "once", false, "Exit once the catalog has no more waiting transfers")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// First signal triggers the engine's urgent shutdown; a second one
	// kills the process the default way.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "esgfetch",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "esgfetch",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics (if enabled)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled")
	}

	cat, err := catalog.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	// Without a valid credential, try one unattended logon before giving
	// up (the password can only come from the environment here).
	mgr := auth.NewMyProxyManager(cfg.Auth.MyProxy)
	if err := auth.EnsureLoggedOn(ctx, mgr, cfg.Auth.Username, os.Getenv("ESGFETCH_AUTH_PASSWORD"), cfg.Auth.Server); err != nil {
		fmt.Fprintln(os.Stderr, "No valid credential found. Run 'esgfetch logon' first.")
		return err
	}

	sessions := session.NewFactory(cfg.Session)

	engineCfg := cfg.Download
	if fetchOnce {
		engineCfg.ExitWhenIdle = true
	}
	eng := engine.New(engineCfg, cat, sessions, mgr, metrics.NewDownloadMetrics())

	// Status server (optional, never required for downloads). Start blocks
	// until shutdown, so it runs in its own goroutine; a listener failure
	// is reported but does not stop downloads.
	apiErrChan := make(chan error, 1)
	if cfg.API.IsEnabled() {
		statusServer := api.NewServer(cfg.API, cat)
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				logger.Error("Status server error", "error", err)
				apiErrChan <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := statusServer.Stop(shutdownCtx); err != nil {
				logger.Error("Status server shutdown error", "error", err)
			}
		}()
	}

	logger.Info("Download engine starting",
		"base_path", engineCfg.BasePath,
		"workers_per_host", engineCfg.InitialWorkersPerHost,
		"max_workers", engineCfg.MaxTotalWorkers)

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, auth.ErrNotLoggedOn) {
			fmt.Fprintln(os.Stderr, "No valid credential found. Run 'esgfetch logon' first.")
		}
		return err
	}

	// A status server failure is only fatal once downloads are done.
	select {
	case err := <-apiErrChan:
		return err
	default:
	}

	logger.Info("Download engine stopped")
	return nil
}
