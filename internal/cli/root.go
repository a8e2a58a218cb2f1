package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/placepipe/internal/control"
	"github.com/vietddude/placepipe/internal/core/config"
)

var (
	cfgPath string
	isDebug bool

	appConfig *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "placepipe",
	Short: "Resumable batch pipeline for public place listings",
	Long: `placepipe fetches place records from an upstream open-data API, normalizes
them, enriches them with generated text and publishes them for a read API.
Every stage is a short, time-boxed invocation that resumes from durable
checkpoints.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// setup loads .env and the config file, then initializes logging.
func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		return err
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	appConfig = cfg
	return nil
}

func openPipeline(ctx context.Context) (*control.Pipeline, error) {
	p, err := control.New(ctx, *appConfig, control.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	return p, nil
}
