package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List your friends, from the local cache when offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup := getManager()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr.Init(ctx)

		friends, err := mgr.FriendList(ctx)
		if err != nil {
			return err
		}
		if len(friends) == 0 {
			if mgr.Online() {
				fmt.Println("No friends yet.")
			} else {
				fmt.Println("Offline and nothing cached yet.")
			}
			return nil
		}
		if !mgr.Online() {
			fmt.Println("Offline: showing cached friends list.")
		}
		for _, f := range friends {
			fmt.Printf("%s  %s\n", f.ID, f.Name())
		}
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated user, from the local cache when offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup := getManager()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr.Init(ctx)

		user, err := mgr.CurrentUser(ctx)
		if err != nil {
			return err
		}
		if user == nil {
			if mgr.Online() {
				fmt.Println("Not signed in.")
			} else {
				fmt.Println("Offline and no cached profile yet.")
			}
			return nil
		}
		if !mgr.Online() {
			fmt.Println("Offline: showing cached profile.")
		}
		fmt.Printf("%s (%s)\n", user.Name(), user.ID)
		return nil
	},
}
