// Package main implements the browserNERD CLI.
//
// browserNERD drives a Chrome session on behalf of a planner. Secrets reach
// the planner only as <secret>name</secret> placeholders and are substituted
// immediately before an action runs, limited to the origins they are scoped
// to. Cookies and web storage survive restarts through a storage state file
// that is checkpointed while the session runs.
package main

import (
	"fmt"
	"os"
	"time"

	"browsernerd/internal/config"
	"browsernerd/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Set up by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "browsernerd",
	Short: "browserNERD - scoped secrets and persistent sessions for browser automation",
	Long: `browserNERD drives a Chrome session for an automated planner.

Secrets are shown to the planner only as <secret>name</secret> placeholders.
They are filled in right before each action, and only on the origins they
are scoped to. Cookies, localStorage and sessionStorage are checkpointed to a
storage state file so the next session starts where this one stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Settings()); err != nil {
			logger.Warn("category logging disabled", zap.Error(err))
		}
		logging.Boot("config loaded from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync() // Ignore sync errors on exit
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for browser startup and one-shot commands")

	rootCmd.AddCommand(runCmd, secretsCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
