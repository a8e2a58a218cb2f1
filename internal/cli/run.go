package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/placepipe/internal/core/domain"
)

var runCmd = &cobra.Command{
	Use:   "run <stage>",
	Short: "Run one time-boxed invocation of a stage",
	Long: `Run one invocation of fetch-initial, fetch-incremental, normalize, enrich,
publish or retry under the configured host budget, then wait for its
background tasks.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: stageNames(),
	RunE:      runStage,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func stageNames() []string {
	names := make([]string, len(domain.Stages))
	for i, s := range domain.Stages {
		names[i] = string(s)
	}
	return names
}

func runStage(cmd *cobra.Command, args []string) error {
	stage, err := domain.ParseStage(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	run := p.RunStage(ctx, stage)
	if err := p.WaitBackground(context.WithoutCancel(ctx)); err != nil {
		cmd.PrintErrln("background tasks still running:", err)
	}

	if !run.Success {
		return errors.New(run.Error)
	}
	cmd.Printf("%s: %d items in %s\n", run.Stage, run.Items, run.Duration.Round(time.Millisecond))
	return nil
}
