package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var ErrJournalDisabled = errors.New("failed-upload journal is disabled (set DB_HOST)")

var failedUploadsCmd = &cobra.Command{
	Use:   "failed-uploads",
	Short: "Inspect and replay image uploads that ran out of retries",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled upload failures, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if services.FailedUploads == nil {
			return ErrJournalDisabled
		}
		list, err := services.FailedUploads.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list failed uploads: %w", err)
		}
		w := cmd.OutOrStdout()
		if len(list) == 0 {
			success(w, "No failed uploads")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPOINT\tOBJECT\tRETRIES\tCREATED\tERROR")
		for _, f := range list {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
				f.ID, f.PointID, f.ObjectName, f.Retries, f.CreatedAt.Format("2006-01-02 15:04:05"), f.Error)
		}
		return tw.Flush()
	},
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-upload a journaled image and patch its point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if services.FailedUploads == nil {
			return ErrJournalDisabled
		}
		w := cmd.OutOrStdout()
		url, err := services.FailedUploads.Retry(cmd.Context(), args[0])
		if err != nil {
			fail(w, "Retry failed: %v", err)
			return reported(err)
		}
		success(w, "Uploaded %s", url)
		return nil
	},
}

func init() {
	failedUploadsCmd.AddCommand(failedListCmd, failedRetryCmd)
	rootCmd.AddCommand(failedUploadsCmd)
}
