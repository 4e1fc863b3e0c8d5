package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var uploadAs string

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadAs, "as", "", "remote path (defaults to uploads/<filename>)")
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file to Ripple storage and print its public URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := args[0]
		data, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", local, err)
		}

		remote := uploadAs
		if remote == "" {
			remote = "uploads/" + filepath.Base(local)
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := client.Storage.Upload(ctx, remote, data)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Uploaded %s (%d bytes)\n%s\n", res.Path, res.Size, res.PublicURL)
		return nil
	},
}
