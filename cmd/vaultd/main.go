// Package main implements the vaultd daemon and its admin CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information, set at build time.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Multi-tenant encrypted entry store with hybrid retrieval",
	Long: `vaultd stores per-tenant entries with optional row-level encryption,
serves hybrid lexical/semantic search over them, and meters usage per
tenant. The data plane is an in-process Go API; this binary runs the
daemon (operational HTTP surface, reconciler, config watcher) and a few
admin operations against the local data directory.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/vaultd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tenantCmd)
}
