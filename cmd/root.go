// Package cmd defines the command line for the coordinator and worker
// processes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/config"
	"github.com/JakeFAU/arrest-records-crawler/internal/logging"
)

// runtimeKeyType keys the loaded runtime in the command context.
type runtimeKeyType struct{}

// runtime is what every subcommand receives after the root pre-run.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig is replaceable in tests.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "arrest-crawler",
		Short: "Harvests arrest records from public search endpoints.",
		Long: `arrest-crawler runs the coordinator API and the browser-driven workers.

The coordinator ("serve") owns the database, the batch and record queues, and
the daily scheduler. Discovery workers walk search result pages for a batch and
submit candidate records; enrichment workers render each pending record's
detail page and complete it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     "arrest-records-crawler",
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKeyType{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKeyType{}).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newEnrichCmd(),
		newSuperviseCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKeyType{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
