package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	templatesPath string
	paramsPath    string
	dbPath        string
	policyPaths   []string
	verbose       bool
	jsonOutput    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetbroker",
		Short: "Fleetbroker - Resource Provisioning Broker",
		Long: `Fleetbroker brokers machine capacity between a workload scheduler and
cloud providers. Requests are asynchronous: a command returns a request ID
immediately and a reconciliation loop drives it to a terminal state.

Features:
  - Template-driven provisioning with override parameters
  - Sandboxed Starlark spec templating
  - Provider registry with circuit-breaker health monitoring
  - Append-only event log with replayable projections
  - Rego admission policies`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&templatesPath, "templates", "t", "templates.yaml", "template file path")
	rootCmd.PersistentFlags().StringVar(&paramsPath, "params", "", "override parameter file (flat YAML, keys /broker/templates/{templateId}/{field})")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "fleetbroker.db", "event store database path (empty = in-memory)")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "additional admission policy files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newReturnCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newMachinesCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newProvidersCommand())

	return rootCmd
}
