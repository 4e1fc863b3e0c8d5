package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ripple "github.com/ripple-hq/ripple/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue counts, and live account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		// Queue counts straight from the local store, no network needed.
		dbPath, err := offlineDBPath()
		if err != nil {
			return err
		}
		store, err := ripple.NewSQLiteStorage(dbPath, cliLogger())
		if err != nil {
			return fmt.Errorf("cannot open local queue: %w", err)
		}
		defer store.Close()

		pending := len(store.AllByStatus(ripple.StatusPending))
		failed := len(store.AllByStatus(ripple.StatusFailed))
		synced := len(store.AllByStatus(ripple.StatusSynced))

		fmt.Println()
		fmt.Println("Local queue:")
		fmt.Printf("  Pending: %d\n", pending)
		fmt.Printf("  Failed:  %d\n", failed)
		fmt.Printf("  Synced:  %d (run 'ripple sync --clear-synced' to remove)\n", synced)

		if cfg.Default.Token == "" {
			return nil
		}

		// Live status.
		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Backend: unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend: reachable")

		user, err := client.Auth.CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		if user == nil {
			fmt.Println("  Account: not authenticated")
			return nil
		}

		fmt.Printf("  Account: %s (%s)\n", user.Name(), user.ID)

		unread, err := client.Notifications.UnreadCount(ctx, user.ID)
		if err == nil {
			fmt.Printf("  Unread notifications: %d\n", unread)
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
