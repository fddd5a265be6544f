package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorws/internal/config"
	"github.com/3leaps/gorws/internal/observability"
	"github.com/3leaps/gorws/internal/server"
	"github.com/3leaps/gorws/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the request server",
	Long: `Start the HTTP server that accepts requests on POST /web_server.

Configuration comes from flags, GORWS_* environment variables, the config
file and built-in defaults, in that order.

Example:
  gorws serve
  gorws serve --port 8080 --function-dir ./functions
  GORWS_API_KEYS=k1,k2 gorws serve`,
	RunE: runServe,
}

var (
	serveHost        string
	servePort        int
	serveFunctionDir []string
	serveAPIKeys     []string
	serveDebug       bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config: localhost)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config: 5000)")
	serveCmd.Flags().StringSliceVar(&serveFunctionDir, "function-dir", nil, "Function manifest directory (repeatable)")
	serveCmd.Flags().StringSliceVar(&serveAPIKeys, "api-key", nil, "Accepted API key (repeatable)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Mount profiling endpoints under /debug")
}

// serveOverrides returns the config overrides for flags the user set.
func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server.host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = servePort
	}
	if cmd.Flags().Changed("function-dir") {
		overrides["functions.dirs"] = serveFunctionDir
	}
	if cmd.Flags().Changed("api-key") {
		overrides["auth.keys"] = serveAPIKeys
	}
	if cmd.Flags().Changed("debug") {
		overrides["debug.enabled"] = serveDebug
	}
	return overrides
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	identity := GetAppIdentity()
	logger, err := observability.InitServerLogger(identity.BinaryName, observability.LoggingConfig{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load functions", err)
	}
	logger.Info("Functions registered",
		zap.Int("count", a.registry.Len()),
		zap.Strings("names", a.registry.Names()))

	if cfg.Health.Enabled {
		a.registerHealthChecks(handlers.InitHealthManager(versionInfo.Version), identity)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithGateway(a.gateway),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithDebug(cfg.Debug.Enabled),
	)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go a.engine.RunJanitor(janitorCtx, cfg.Jobs.PruneInterval, cfg.Jobs.Retention)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("In-flight requests cancelled at shutdown deadline", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("engine shutdown: %w", err))
	}

	if shutdownErr != nil {
		return exitError(foundry.ExitSignalInt, "Shutdown incomplete", shutdownErr)
	}
	logger.Info("Server stopped")
	return nil
}
