package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var ErrCancelled = errors.New("operation cancelled")

var clearYes bool

var clearCmd = &cobra.Command{
	Use:     "clear-collection",
	Aliases: []string{"clear", "clear-data"},
	Short:   "Delete every indexed page and stored image",
	Long: `Recreates the collection empty and removes every object from the image bucket.
Asks for confirmation unless --yes is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return clearAll(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), clearYes)
	},
}

func init() {
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)
}

func confirm(in io.Reader, w io.Writer) bool {
	warnColor.Fprint(w, "Are you sure you want to continue? (y/N): ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func clearAll(ctx context.Context, in io.Reader, w io.Writer, yes bool) error {
	if !yes {
		warn(w, "This will permanently delete all indexed documents and images!")
		if !confirm(in, w) {
			info(w, "Operation cancelled")
			return reported(ErrCancelled)
		}
	}
	if err := ensureReady(ctx); err != nil {
		return err
	}

	report := services.Indexer.Clear(ctx)
	if report.CollectionErr != nil {
		fail(w, "Error clearing collection: %v", report.CollectionErr)
	} else {
		success(w, "Collection cleared and recreated")
	}
	if report.BucketErr != nil {
		fail(w, "Error clearing image bucket: %v", report.BucketErr)
	} else {
		success(w, "Image bucket cleared (%d objects removed)", report.ObjectsRemoved)
	}
	if report.JournalErr != nil {
		fail(w, "Error purging failed uploads: %v", report.JournalErr)
	} else if report.FailuresPurged > 0 {
		info(w, "Dropped %d failed uploads from the journal", report.FailuresPurged)
	}
	return reported(report.Err())
}
