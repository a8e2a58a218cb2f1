package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vietddude/placepipe/internal/core/domain"
)

var resetCheckpointCmd = &cobra.Command{
	Use:       "reset-checkpoint <stage>",
	Short:     "Clear the checkpoint of fetch-initial or fetch-incremental",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(domain.StageFetchInitial), string(domain.StageFetchIncremental)},
	RunE:      runResetCheckpoint,
}

func init() {
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) error {
	stage, err := domain.ParseStage(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.ResetCheckpoint(ctx, stage); err != nil {
		return err
	}
	cmd.Printf("Checkpoint for %s cleared\n", stage)
	return nil
}
