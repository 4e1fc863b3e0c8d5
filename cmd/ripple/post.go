package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var postImage string

func init() {
	rootCmd.AddCommand(postCmd)
	postCmd.Flags().StringVar(&postImage, "image", "", "attach a local image file to the post")
}

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Create a post, queueing it locally when offline",
	Long:  "Create a post. If the backend is unreachable the post is stored in the local queue and replayed on the next sync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := args[0]

		mgr, cleanup := getManager()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr.Init(ctx)

		imageURL := ""
		if postImage != "" {
			if !mgr.Online() {
				return fmt.Errorf("cannot upload %s while offline", postImage)
			}
			data, err := os.ReadFile(postImage)
			if err != nil {
				return fmt.Errorf("cannot read image: %w", err)
			}
			client := mgr.Client()
			remote := fmt.Sprintf("posts/%d_%s", time.Now().UnixMilli(), filepath.Base(postImage))
			res, err := client.Storage.Upload(ctx, remote, data)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			imageURL = res.PublicURL
		}

		outcome, err := mgr.CreatePost(ctx, content, imageURL)
		if err != nil {
			return err
		}

		if outcome.Queued {
			fmt.Printf("Offline: post queued as %s (%d pending)\n", outcome.Item.ID, mgr.PendingCount())
		} else {
			fmt.Printf("Posted: %s\n", outcome.Post.ID)
		}
		return nil
	},
}
