package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command, the production entry point.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Long: `Start the bot with long polling against the Telegram API.

The server will:
1. Load configuration from the environment and the optional YAML file
2. Connect to Postgres and Redis and apply the schema
3. Start the write-behind flush and dead-letter replay schedules
4. Connect to Telegram and process updates until SIGINT/SIGTERM`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (optional)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

// buildMigrateCmd creates the "migrate" command. The schema is idempotent,
// so running it repeatedly is safe.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (optional)")
	return cmd
}
