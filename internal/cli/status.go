package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pagelens/features/stats"
)

var statusCmd = &cobra.Command{
	Use:     "show-status",
	Aliases: []string{"status"},
	Short:   "Show connections, collection and background upload status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showStatus(cmd.Context(), cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(ctx context.Context, w io.Writer) {
	r := services.Status.Collect(ctx)

	header(w, "\n📊 System Status")
	header(w, "%s", separator())

	boldColor.Fprintln(w, "Connections:")
	for _, c := range r.Checks {
		if c.OK {
			successColor.Fprintf(w, "  ✅ %s\n", c.Name)
		} else {
			failColor.Fprintf(w, "  ❌ %s: %s\n", c.Name, c.Detail)
		}
	}

	boldColor.Fprintln(w, "\nCollection:")
	fmt.Fprintf(w, "  Name: %s\n", r.Collection.Name)
	switch r.Readiness {
	case stats.ReadinessReady:
		successColor.Fprintf(w, "  Status: %s\n", r.Readiness)
	case stats.ReadinessEmpty:
		warnColor.Fprintf(w, "  Status: %s\n", r.Readiness)
	default:
		failColor.Fprintf(w, "  Status: %s\n", r.Readiness)
	}
	if r.Collection.Exists {
		fmt.Fprintf(w, "  Points: %d\n", r.Collection.Points)
		fmt.Fprintf(w, "  Vector size: %d\n", r.Collection.VectorSize)
		fmt.Fprintf(w, "  Distance: %s\n", r.Collection.Distance)
		fmt.Fprintf(w, "  Reranking: %t\n", r.Collection.Reranking)
	}

	s := r.Snapshot
	boldColor.Fprintln(w, "\nThis session:")
	fmt.Fprintf(w, "  Documents processed: %d\n", s.DocumentsProcessed)
	fmt.Fprintf(w, "  Batches: %d succeeded, %d failed\n", s.BatchesSucceeded, s.BatchesFailed)
	fmt.Fprintf(w, "  Uploads: %d total, %d completed, %d failed, %d pending\n",
		s.UploadsTotal, s.UploadsCompleted, s.UploadsFailed, s.UploadsPending)
	fmt.Fprintf(w, "  Queue depth: %d\n", s.QueueDepth)

	boldColor.Fprintln(w, "\nFailed-upload journal:")
	if r.JournalEnabled {
		fmt.Fprintf(w, "  Entries: %d\n", r.FailedUploads)
	} else {
		fmt.Fprintln(w, "  disabled (set DB_HOST to enable)")
	}

	boldColor.Fprintln(w, "\nModels:")
	fmt.Fprintf(w, "  Embedding service: %s\n", r.Models.EmbeddingURL)
	fmt.Fprintf(w, "  Answer model: %s\n", r.Models.Synthesizer)
	fmt.Fprintf(w, "  Search limit: %d\n", r.Models.SearchLimit)
	fmt.Fprintf(w, "  Reranking enabled: %t\n", r.Models.Reranking)
}
