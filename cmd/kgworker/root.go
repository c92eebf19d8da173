package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", level)
	}
}

// buildLogger resolves the effective log level (flag, then
// KG_LOG_LEVEL, then info) and returns a structured JSON logger.
func buildLogger() *slog.Logger {
	level := logLevel
	if level == "" {
		level = os.Getenv("KG_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	parsed, err := parseLogLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using info\n", err)
		parsed = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parsed}))
}

var rootCmd = &cobra.Command{
	Use:   "kgworker",
	Short: "Distributed knowledge-graph extraction pipeline for long-form text",
	Long: `kgworker turns a novel's chapters into a knowledge graph of
characters, locations, organizations, events, and their relations,
extracted chapter by chapter through a pool of provider-aware workers.

Subcommands:
  worker    run the extraction loop for one provider
  scheduler run the batch-promotion loop
  guard     supervise worker processes, reclaim zombie chapters, retry failures
  task      create, start, pause, resume, and inspect extraction tasks`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.kgworker/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: info, env: KG_LOG_LEVEL)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(taskCmd)
}
