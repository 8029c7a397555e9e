// Command matchbench benchmarks LLM agent constellations on matching
// homeowner registrations to suppliers and pricing the matches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/runtime"
	"github.com/tjfontaine/matchbench/internal/telemetry"
)

var (
	configPath    string
	constellation string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "matchbench",
	Short: "Benchmark multi-agent constellations on supplier matching",
	Long: `matchbench runs homeowner registrations through a configurable
constellation of LLM agents: a matching phase that picks a supplier with
spare capacity, and an enrichment phase that prices the match with
incentives. Matches, purchase orders and per-phase timings are written to
the output directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&constellation, "constellation", "", "Constellation to use (overrides run.constellation)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: configuration, a logger and the
// assembled runtime.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	rt       *runtime.Runtime
	shutdown telemetry.ShutdownFunc
}

func setup() (*env, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if constellation != "" {
		cfg.Run.Constellation = constellation
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}

	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, rt: rt, shutdown: shutdown}, nil
}

func (e *env) close() {
	if err := e.rt.Close(); err != nil {
		e.logger.Error("failed to close runtime", slog.String("error", err.Error()))
	}
	if err := e.shutdown(context.Background()); err != nil {
		e.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
