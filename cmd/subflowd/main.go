package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subflow/internal/subflow/metrics"
	"subflow/internal/subflow/producer"
	"subflow/internal/subflow/tracing"
)

var (
	// set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "subflowd",
	Short: "Pub/sub broker with per-consumer flow control",
	Long: `subflowd dispatches a durable log to subscriptions with credit based flow
control, batch aware acknowledgments and redelivery.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Publish events and consume them end to end over in-process connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subflowd version %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (environment overrides it)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := metrics.NewRegistry()
	registry.SetSystemInfo(version, date)
	metricsServer := metrics.NewServer(cfg.Metrics, registry, logger)

	tracer := tracing.NewNoop()
	if cfg.Tracing.Enabled {
		t, shutdown, err := tracing.NewTracer(cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("failed to cleanup tracing", zap.Error(err))
			}
		}()
		tracer = t

		logger.Info("tracing initialized",
			zap.String("service", cfg.Tracing.ServiceName),
			zap.String("endpoint", cfg.Tracing.Endpoint),
			zap.Float64("sampleRate", cfg.Tracing.SampleRate),
		)
	}

	ctlr, err := newController(cfg, registry, tracer, logger)
	if err != nil {
		return err
	}

	baseProducer, err := producer.NewProducer(cfg.Producer, ctlr, logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	p := producer.NewTracedProducer(producer.NewMetricsProducer(baseProducer, registry), tracer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
	)

	b := newBroker(gctx, g, cfg, ctlr, registry, tracer, logger)
	sim := newSimulation(cfg, b, p, registry, logger)

	g.Go(func() error {
		defer cancel()
		return sim.run(gctx, g)
	})
	metricsServer.SetReady(true)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("subflowd stopped: %w", err)
	}

	return nil
}
