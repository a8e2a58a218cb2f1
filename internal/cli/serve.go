package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vietddude/placepipe/internal/control"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/pipeline/health"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every stage on its cron schedule and serve health endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	log := slog.Default().With("component", "scheduler")
	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if err := schedule(ctx, scheduler, p, log); err != nil {
		return err
	}

	healthServer := health.NewServer(p.Monitor(), appConfig.Server.Port)
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health server stopped", "error", err)
		}
	}()
	p.StartMetricsCollector(ctx)

	scheduler.Start()
	log.Info("Scheduler started", "port", appConfig.Server.Port, "config", cfgPath)

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("Stage still running at shutdown")
	}
	if err := p.WaitBackground(shutdownCtx); err != nil {
		log.Warn("Background tasks still running at shutdown", "error", err)
	}
	return healthServer.Stop(shutdownCtx)
}

// schedule registers one job per stage. Jobs of the same stage never
// overlap; different stages may.
func schedule(ctx context.Context, scheduler *cron.Cron, p *control.Pipeline, log *slog.Logger) error {
	for _, stage := range domain.Stages {
		spec := appConfig.Schedule.Spec(string(stage))
		if spec == "" {
			log.Info("Stage not scheduled", "stage", stage)
			continue
		}
		_, err := scheduler.AddFunc(spec, func() {
			p.RunStage(ctx, stage)
			if err := p.WaitBackground(ctx); err != nil {
				log.Warn("Background tasks outlived the invocation", "stage", stage, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", spec, stage, err)
		}
		log.Info("Stage scheduled", "stage", stage, "spec", spec)
	}
	return nil
}
