// ABOUTME: Entry point for the coven-coord multi-agent coordination server
// ABOUTME: Cobra root command and shared flags for server and client subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/config"
)

// version is set by goreleaser at build time.
var version = "dev"

var (
	configFlag string
	serverFlag string
	tokenFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "coven-coord",
	Short: "Multi-agent coordination server",
	Long: `coven-coord fans tasks out to subagents, collects their results, tracks
advisory file locks and write conflicts, and hosts shared context namespaces
that parallel agents use to cooperate.

Run "coven-coord init" to write a starter config, then "coven-coord serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or ~/.config/coven/coordinator.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "coordinator base URL for client commands (default from config server.http_addr)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token for client commands (default $COVEN_COORD_TOKEN or ~/.config/coven/coordinator.token)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(coordinationsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
