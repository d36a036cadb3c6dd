// Command agent is the kash-stash background agent. It polls the bound pod
// for a YAML job configuration and runs the configured setup, onetime, task
// and queue jobs, publishing results back to the pod.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	logLevel     string
	endpointPath string
	lockRoot     string
)

var rootCmd = &cobra.Command{
	Use:   "agent <command>",
	Short: "kash-stash pod agent",
	Long: `agent runs jobs defined in a pod-hosted YAML configuration.

The endpoint file (written by the desktop UI) binds the agent to a pod; the
config digest on that pod defines the jobs. Queue jobs coordinate with other
agents through lock and done digests plus host-local lockfiles.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&endpointPath, "endpoint-file", endpoint.DefaultPath(), "endpoint file path")
	rootCmd.PersistentFlags().StringVar(&lockRoot, "lock-root", lockstore.DefaultRoot(), "lockfile directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
