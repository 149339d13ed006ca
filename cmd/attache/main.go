// Package main provides the CLI entry point for the Attaché gateway.
//
// Attaché connects messaging platforms (Telegram, Slack) to LLM providers
// (Anthropic, OpenAI) and runs one configured assistant per business tenant,
// with human review of consequential tool calls and per-tenant credit
// metering.
//
// # Basic Usage
//
// Start the gateway:
//
//	attache serve --config attache.yaml
//
// Manage database migrations:
//
//	attache migrate up
//	attache migrate status
//
// # Environment Variables
//
// Values in the config file are expanded from the environment, so secrets
// can stay out of the file:
//
//   - ATTACHE_CONFIG: Path to configuration file (default: attache.yaml)
//   - DATABASE_URL: Postgres connection string
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - TELEGRAM_BOT_TOKEN: Platform Telegram bot token
//   - SLACK_BOT_TOKEN: Platform Slack bot OAuth token
//   - SLACK_APP_TOKEN: Slack app-level token for Socket Mode
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "attache",
		Short: "Attaché - Multi-tenant assistant gateway",
		Long: `Attaché runs one configured assistant per business tenant, reachable
over Telegram and Slack, with human review of consequential tool calls
and per-tenant credit metering.

Supported channels: Telegram, Slack
Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
