package main

import (
	"github.com/spf13/cobra"

	"github.com/felipepmaragno/storyforge/internal/config"
)

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "storyforge",
		Short:         "AI generation backend for illustrated children's books",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(loaded.LogLevel)
			*cfg = *loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cfg = &config.Config{}

	rootCmd.AddCommand(newServeCommand(cfg))
	rootCmd.AddCommand(newWorkerCommand(cfg))
	rootCmd.AddCommand(newProvidersCommand(cfg))

	return rootCmd
}
