package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncClear bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncClear, "clear-synced", false, "remove successfully synced items afterwards")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued items against the backend",
	Long:  "Run one reconciliation pass over the local queue. Failed items stay queued and are retried on the next sync.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup := getManager()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		mgr.Init(ctx)

		if !mgr.Online() {
			return fmt.Errorf("backend unreachable, cannot sync")
		}

		summary := mgr.Drain(ctx)
		fmt.Printf("Attempted %d, synced %d, failed %d\n", summary.Attempted, summary.Synced, summary.Failed)

		if syncClear {
			mgr.ClearSynced()
			fmt.Println("Cleared synced items.")
		}
		return nil
	},
}
