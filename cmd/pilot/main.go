// Package main implements the pilot CLI: run batches of learning sessions,
// serve the control surface, and manage the configuration store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"coursepilot/internal/config"
	"coursepilot/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "coursepilot - concurrent learning-session runner",
	Long: `coursepilot drives many browser learning sessions at once, one per
credential, through a graph of swappable units. Unit sources may be edited
on disk while sessions run; changed units are reloaded in place.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			if workspace, err = os.Getwd(); err != nil {
				return err
			}
		}
		if configPath == "" {
			configPath = filepath.Join(workspace, ".pilot", "config.yaml")
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Resolve(workspace)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		return logging.Initialize(workspace, logSettings(cfg.Logging))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func logSettings(c config.LoggingConfig) logging.Settings {
	return logging.Settings{
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSONFormat: c.JSONFormat,
		Categories: c.Categories,
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.pilot/config.yaml)")

	rootCmd.AddCommand(runCmd, serveCmd, ctlCmd, unitCmd, storeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
