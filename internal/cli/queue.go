package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/comfy"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show how many prompts ComfyUI has pending and running",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := comfy.NewClient(comfy.Options{
			BaseURL:        cfg.ComfyUIURL,
			Logger:         &logger,
			RequestTimeout: cfg.ComfyUITimeout,
		})
		if err != nil {
			return err
		}
		depth, err := client.QueueDepth(cmd.Context())
		if err != nil {
			return fmt.Errorf("read queue: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\nrunning: %d\n", depth.Pending, depth.Running)
		return nil
	},
}
