// Package cmd implements the ccm command line.
package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/config"
)

const (
	AppName = "claude-code-mux"
	Version = "0.4.0"
)

var (
	logger   *slog.Logger
	baseDir  string
	cfgMgr   *config.Manager
	cfgPath  string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:     "ccm",
	Short:   "Claude Code Mux - Anthropic API routing proxy",
	Long:    `A routing proxy that presents the Anthropic Messages API and dispatches each request to one of many upstream model providers with ordered fallback.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	setupLogging(false)

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("failed to resolve home directory", "error", err)
		os.Exit(1)
	}
	baseDir = filepath.Join(home, "."+AppName)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to configuration file")

	cobra.OnInitialize(func() {
		setupLogging(verbose)
		if cfgPath != "" {
			cfgMgr = config.NewManagerWithPath(cfgPath)
		} else {
			cfgMgr = config.NewManager(baseDir)
		}
	})

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
