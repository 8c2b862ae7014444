// commands.go holds every cobra command definition and its flags; each
// builder wires its flags to a handler in handlers.go, the same split the
// teacher pack's own CLI uses between command definitions and the code
// that runs them.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		yamlDir string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the turn RPC server",
		Long: `Start the turn RPC server with the configured model provider, tenant
store, and resilience settings loaded from the environment.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), yamlDir, debug)
		},
	}
	cmd.Flags().StringVar(&yamlDir, "tenant-dir", "", "Load workspace configs from a directory of YAML fixtures instead of Postgres")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Tenant State Store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
	return cmd
}

func buildCanaryCheckCmd() *cobra.Command {
	var (
		conversationID string
		staged         bool
		canaryPercent  int
	)

	cmd := &cobra.Command{
		Use:   "canary-check",
		Short: "Print the canary routing decision for a conversation id",
		Example: `  turnpipe canary-check --conversation-id conv-42 --staged --canary-percent 25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanaryCheck(cmd.Context(), conversationID, staged, canaryPercent)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "Conversation id to bucket")
	cmd.Flags().BoolVar(&staged, "staged", false, "Whether the staged pipeline is enabled")
	cmd.Flags().IntVar(&canaryPercent, "canary-percent", 0, "Percentage of conversations routed to the staged pipeline")
	_ = cmd.MarkFlagRequired("conversation-id")
	return cmd
}
