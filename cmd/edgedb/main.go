package main

import (
	"fmt"
	"os"

	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "edgedb",
	Short: "edgedb - edge-deployed, MySQL-wire-compatible distributed database core",
	Long: `edgedb is the single-process core of an edge-deployed, horizontally
sharded relational database: a routing policy store, a cache-aside layer,
a durable event queue, one Raft-backed shard runtime per shard, a
consistency-resolving gateway, and a tenant-split orchestrator.

Transport, authentication, and SQL-dialect transpilation are external
collaborators; this binary boots the core and exposes it for direct
operator control.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"edgedb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./edgedb-data", "Root data directory for all component stores")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(operatorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
