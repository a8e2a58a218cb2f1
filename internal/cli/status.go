package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/placepipe/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints, queue depths and the last run of every stage",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	st, err := p.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "STORAGE\t%s\n", st.Storage)
	_, _ = fmt.Fprintf(w, "FETCH-INITIAL\tpartition %d\t%s\n", st.Initial.PartitionIndex, resumeInfo(st.Initial.ResumePartition, st.Initial.ResumePage))
	_, _ = fmt.Fprintf(w, "FETCH-INCREMENTAL\twatermark %s\t%s\n", orDash(st.Incremental.LastModified), resumeInfo(st.Incremental.ResumeDate, st.Incremental.ResumePage))
	_, _ = fmt.Fprintf(w, "FAIL QUEUE\t%d\n", st.FailQueue)
	_, _ = fmt.Fprintf(w, "DEAD LETTERS\t%d\n", st.DeadLetters)
	_ = w.Flush()
	fmt.Println()

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STAGE\tRESULT\tITEMS\tDURATION\tSTARTED\tERROR")
	for _, stage := range domain.Stages {
		run := st.Runs[stage]
		if run == nil {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t\n", stage)
			continue
		}
		result := "ok"
		if !run.Success {
			result = "failed"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			stage, result, run.Items, run.Duration.Round(time.Millisecond),
			run.StartedAt.Local().Format(time.RFC3339), run.Error)
	}
	return w.Flush()
}

func resumeInfo(key string, page int) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("resume %s page %d", key, page)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
