package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgpu-dev/cgpu/internal/api"
	"github.com/cgpu-dev/cgpu/internal/config"
	"github.com/cgpu-dev/cgpu/internal/eventbus"
	"github.com/cgpu-dev/cgpu/internal/runtime"
)

// app bundles the wired dependencies every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	api    api.Client
	bus    *eventbus.Bus
	pool   *runtime.Pool
}

// newApp loads config and wires the control-plane client, event bus and
// connection pool. Logs go to stderr so command output on stdout stays
// pipeable.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	switch cfg.Runtime.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	client := api.NewHTTPClient(cfg.API, logger)
	bus := eventbus.New()
	pool := runtime.NewPool(client, runtime.PoolConfig{
		Tier:                cfg.Runtime.Tier,
		KeepAliveInterval:   cfg.Runtime.KeepAliveInterval.Duration,
		HealthCheckInterval: cfg.Runtime.HealthCheckInterval.Duration,
		Connection: runtime.ConnectionConfig{
			NotebookPath:         cfg.Runtime.NotebookPath,
			KernelName:           cfg.Runtime.KernelName,
			MaxReconnectAttempts: cfg.Runtime.MaxReconnectAttempts,
			ReconnectBaseDelay:   cfg.Runtime.ReconnectBaseDelay.Duration,
			ExecuteTimeout:       cfg.Kernel.ExecuteTimeout.Duration,
		},
	}, bus, logger)

	return &app{cfg: cfg, logger: logger, api: client, bus: bus, pool: pool}, nil
}

// close tears down pooled connections without deleting remote kernels, so a
// later invocation can reattach.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.pool.CloseAll(ctx); err != nil {
		a.logger.Warn("pool shutdown", "error", err)
	}
	a.bus.Close()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	return ctx, cancel
}

// resolveConfigPath returns the config file path from the --config flag,
// falling back to the per-user default location.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.DefaultPath()
}

// familyFromFlags maps the --gpu/--tpu flags to an accelerator family.
func familyFromFlags(cmd *cobra.Command) (string, error) {
	gpu, _ := cmd.Flags().GetBool("gpu")
	tpu, _ := cmd.Flags().GetBool("tpu")
	switch {
	case gpu && tpu:
		return "", fmt.Errorf("--gpu and --tpu are mutually exclusive")
	case gpu:
		return api.FamilyGPU, nil
	case tpu:
		return api.FamilyTPU, nil
	default:
		return api.FamilyDefault, nil
	}
}
