// macotron drives OS automation from natural language: an AI agent writes
// JavaScript snippets that run in an embedded runtime against native
// capability modules. This binary hosts the runtime daemon, the agent
// entry point and maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"macotron/internal/config"
)

var (
	logger    *zap.Logger
	verbose   bool
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "macotron",
	Short: "macotron - natural-language OS automation",
	Long: `macotron runs AI-written JavaScript automation snippets against a set of
native OS capability modules, with static capability review gating what the
agent may activate unsupervised.

Run "macotron run" to start the daemon.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config root (default ~/.macotron)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func paths() config.Paths {
	dir := configDir
	if dir == "" {
		dir = config.DefaultRoot()
	}
	return config.NewPaths(dir)
}
