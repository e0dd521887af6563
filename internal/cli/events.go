package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pagelens/internal/adapter/nsq"
	"pagelens/internal/config"
)

var eventsChannel string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow index and upload-failure events from nsqd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if services.NSQDHost == "" {
			return errors.New("events are disabled (set NSQD_HOST)")
		}
		w := cmd.OutOrStdout()
		info(w, "Following events on %s, press Ctrl+C to stop", services.NSQDHost)
		topics := []string{config.TopicIndexCompleted, config.TopicUploadFailed}
		return nsq.Subscribe(cmd.Context(), services.NSQDHost, eventsChannel, topics, func(topic string, body []byte) error {
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(body)
			}
			header(w, "[%s]", topic)
			fmt.Fprintln(w, pretty.String())
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsChannel, "channel", "pagelens-cli#ephemeral", "nsq channel to consume on")
	rootCmd.AddCommand(eventsCmd)
}
