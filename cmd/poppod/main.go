package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/poppod/internal/log"
)

var (
	// Version information (set via ldflags during build).
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
	Use:   "poppod",
	Short: "poppod - a multi-project task orchestration daemon",
	Long: `poppod accepts work items from many independently-configured
projects, keeps them in a global priority queue, dispatches them to a
pool of worker processes subject to fairness and resource constraints,
and exposes an IPC/HTTP control surface to clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"poppod version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config-dir", defaultConfigDir(), "Directory holding config.json, state/, logs/, backup/")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// defaultConfigDir honors POPPO_CONFIG_DIR (§6) before falling back to
// a per-user directory.
func defaultConfigDir() string {
	if dir := os.Getenv("POPPO_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".poppod"
	}
	return home + "/.poppod"
}
