package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"pagelens/internal/source"
)

var uploadFile string

var uploadCmd = &cobra.Command{
	Use:   "upload [--file PATH]",
	Short: "Index a file, a directory or a URL",
	Long: `Loads images and PDF pages from the given location (DEFAULT_SOURCE when omitted),
embeds them in batches and stores them in the collection. Page images are uploaded
to the object store in the background.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location := uploadFile
		if location == "" && len(args) == 1 {
			location = args[0]
		}
		if err := ensureReady(cmd.Context()); err != nil {
			return err
		}
		return upload(cmd.Context(), cmd.OutOrStdout(), location)
	},
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadFile, "file", "f", "", "file, directory or URL to index")
	rootCmd.AddCommand(uploadCmd)
}

func upload(ctx context.Context, w io.Writer, location string) error {
	if location == "" {
		location = services.DefaultSource
	}
	info(w, "Loading documents from: %s", location)

	stream, err := services.Load(ctx, location)
	switch {
	case errors.Is(err, source.ErrNotFound):
		fail(w, "Path not found: %s", location)
		return reported(err)
	case errors.Is(err, source.ErrUnsupported):
		fail(w, "Nothing to index at %s: %v", location, err)
		tip(w, "Supported inputs are PDF, PNG, JPEG and GIF files or directories containing them")
		return reported(err)
	case err != nil:
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.WarnContext(ctx, "failed to release source", "error", err)
		}
	}()

	info(w, "Found %d documents in %s", stream.Total(), stream.Name())
	info(w, "⏳ Setting up pipeline and indexing documents...")

	report, err := services.Indexer.Index(ctx, stream)
	if err != nil {
		fail(w, "Indexing stopped: %v", err)
		return reported(err)
	}

	if report.BatchesFailed > 0 {
		warn(w, "%d of %d batches failed and were skipped", report.BatchesFailed, report.Batches)
	}
	if skipped := stream.Skipped(); skipped > 0 {
		warn(w, "%d documents could not be read and were skipped", skipped)
	}
	success(w, "Documents indexed successfully! (%d points)", report.PointsUpserted)

	snap := report.Snapshot
	if snap.UploadsPending > 0 || report.DrainTimedOut {
		info(w, "Background processing: %d/%d completed, %d pending", snap.UploadsCompleted, snap.UploadsTotal, snap.UploadsPending)
	}
	if snap.UploadsFailed > 0 {
		warn(w, "%d image uploads failed", snap.UploadsFailed)
	}
	return nil
}
