// Command turnpipe runs the conversational orchestrator: the inbound
// turn RPC server, database migrations, and canary routing diagnostics.
//
// Start the server:
//
//	turnpipe serve
//
// Apply pending migrations:
//
//	turnpipe migrate
//
// Inspect a canary routing decision without sending a turn:
//
//	turnpipe canary-check --conversation-id conv-42 --staged --canary-percent 25
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnpipe",
		Short: "Multi-tenant conversational orchestrator",
		Long: `turnpipe runs the Extractor -> Planner -> Policy -> Tool Broker ->
State Reducer -> Response Generator pipeline behind a canary router, with
per-tenant catalogs and isolation enforced by the Tenant Context.`,
	}
	cmd.AddCommand(buildServeCmd(), buildMigrateCmd(), buildCanaryCheckCmd())
	return cmd
}
