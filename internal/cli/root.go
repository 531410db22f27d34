// Package cli provides the command-line interface for the asset packager.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	logLevel string

	cfg    *infra.Config
	logger infra.Logger
)

var rootCmd = &cobra.Command{
	Use:   "packager",
	Short: "Generate mission asset packages through ComfyUI",
	Long: `packager turns a mission definition into a complete asset package:
character art, backgrounds, UI icons, transformation frames, scenes,
voice lines, sound effects and a signed manifest.

Configuration comes from the environment (or .env), the same variables
the API server reads.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = infra.LoadConfig()
		if err != nil {
			return err
		}
		logger = infra.NewLogger(cfg.AppEnv, logLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
}
