package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smartsearch",
		Short: "Smart Search - cost-tiered research query routing",
		Long: `Smart Search answers research queries on one of two tiers: a cheap
Fast Search tier and an expensive Deep Search tier. Each query is classified
by complexity and routed under a budget policy (auto, fast_only, deep_only).

Run 'smartsearch serve' to start the HTTP API.
Run 'smartsearch classify "<query>"' to see how a query would be routed.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		serveCmd(),
		classifyCmd(),
		routeCmd(),
		previewCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "smartsearch %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
