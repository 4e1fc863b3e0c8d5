package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ripple "github.com/ripple-hq/ripple/sdk/golang"
)

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyListCmd)
	notifyCmd.AddCommand(notifyListenCmd)
	notifyCmd.AddCommand(notifyWorkerCmd)
	notifyCmd.AddCommand(notifyReadCmd)
	notifyReadCmd.Flags().BoolVar(&notifyReadAll, "all", false, "mark every notification read")
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "List, tail, and manage notifications",
}

var notifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications for the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Auth.CurrentUser(ctx)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("not authenticated")
		}

		records, err := client.Notifications.List(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, rec := range records {
			marker := " "
			if !rec.Read {
				marker = "*"
			}
			fmt.Printf("%s %-16s %s  %s\n", marker, rec.Type, rec.ID, rec.Content)
		}
		return nil
	},
}

var notifyListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Tail notifications over the realtime stream",
	Long:  "Subscribe to the current user's notification feed and print each one as it arrives. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		user, err := client.Auth.CurrentUser(ctx)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("not authenticated")
		}

		rt := client.Realtime.Connect(nil)
		sub := rt.Subscribe(ripple.TableNotifications,
			ripple.EventFilter{Event: ripple.EventInsert, Column: "userId", Value: user.ID},
			func(ev ripple.ChangeEvent) {
				rec, err := ev.Record()
				if err != nil {
					return
				}
				n, ok := rec.(*ripple.NotificationRecord)
				if !ok {
					return
				}
				fmt.Printf("[%s] %s\n", n.Type, n.Content)
			})
		defer sub.Unsubscribe()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()

		fmt.Println("Listening for notifications. Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}

var notifyWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the notification fan-out worker",
	Long:  "Watch likes, comments, friend requests, and messages, and create notification rows for the current user's events. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt := client.Realtime.Connect(nil)
		listener := ripple.NewNotificationListener(client, rt)
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer listener.Stop()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()

		fmt.Println("Fan-out worker running. Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}

var notifyReadAll bool

var notifyReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark a notification (or all) as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if notifyReadAll {
			user, err := client.Auth.CurrentUser(ctx)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("not authenticated")
			}
			if err := client.Notifications.MarkAllRead(ctx, user.ID); err != nil {
				return err
			}
			fmt.Println("All notifications marked read.")
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("provide a notification id or --all")
		}
		if err := client.Notifications.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Marked read.")
		return nil
	},
}
