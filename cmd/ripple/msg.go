package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(msgCmd)
}

var msgCmd = &cobra.Command{
	Use:   "msg <recipient-id> <content>",
	Short: "Send a direct message, queueing it locally when offline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, content := args[0], args[1]

		mgr, cleanup := getManager()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr.Init(ctx)

		outcome, err := mgr.SendMessage(ctx, recipientID, content, "")
		if err != nil {
			return err
		}

		if outcome.Queued {
			fmt.Printf("Offline: message queued as %s (%d pending)\n", outcome.Item.ID, mgr.PendingCount())
		} else {
			fmt.Printf("Sent: %s\n", outcome.Message.ID)
		}
		return nil
	},
}
