package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect or requeue work units that exhausted their retries",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE:  runDeadLetterList,
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move dead letters back to the fail queue with a fresh retry budget",
	RunE:  runDeadLetterRequeue,
}

func init() {
	deadLetterCmd.PersistentFlags().IntVar(&deadLetterLimit, "limit", 50, "maximum number of messages")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
	rootCmd.AddCommand(deadLetterCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	msgs, err := p.DeadLetters(ctx, deadLetterLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tPARTITION\tPAGE\tRETRIES\tFAILED AT\tERROR")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			m.ID, m.Payload.Stage, orDash(m.Payload.Partition), m.Payload.Page,
			m.RetryCount, m.Timestamp.Local().Format(time.RFC3339), m.Error)
	}
	return w.Flush()
}

func runDeadLetterRequeue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	moved, err := p.RequeueDeadLetters(ctx, deadLetterLimit)
	if err != nil {
		return err
	}
	cmd.Printf("Requeued %d dead letters\n", moved)
	return nil
}
