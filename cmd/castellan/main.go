// Package main provides the CLI entry point for the Castellan Telegram bot.
//
// Castellan brokers conversations between Telegram users and Anthropic
// models: streaming replies edited in place, media analysis through the
// Files API, a tool loop with sandboxed execution, and per-user balance
// accounting.
//
// # Basic Usage
//
// Start the bot:
//
//	castellan serve --config castellan.yaml
//
// Apply the database schema:
//
//	castellan migrate
//
// # Environment Variables
//
//   - TELEGRAM_BOT_TOKEN: Telegram bot token (or TELEGRAM_BOT_TOKEN_FILE)
//   - ANTHROPIC_API_KEY: Anthropic API key (or ANTHROPIC_API_KEY_FILE)
//   - POSTGRES_PASSWORD: database password (or POSTGRES_PASSWORD_FILE)
//   - REDIS_PASSWORD: cache password (or REDIS_PASSWORD_FILE)
//
// Every YAML setting has an environment override; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "castellan",
		Short:         "Telegram bot brokering Anthropic model conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildVersionCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("castellan %s (%s)\n", version, commit)
		},
	}
}
