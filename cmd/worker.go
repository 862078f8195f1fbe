package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/server"
)

const closeTimeout = 10 * time.Second

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery loop; exits non-zero when the browser session is lost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), func(ctx context.Context, w *server.Workers) error {
				return w.RunDiscovery(ctx)
			})
		},
	}
}

func newEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Run one enrichment loop; exits non-zero when the browser session is lost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), func(ctx context.Context, w *server.Workers) error {
				return w.RunEnrichment(ctx)
			})
		},
	}
}

func newSuperviseCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Keep worker loops running while the run flag is on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), func(ctx context.Context, w *server.Workers) error {
				sup, err := w.Supervisor(roles...)
				if err != nil {
					return err
				}
				return sup.Run(ctx)
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", []string{server.RoleDiscovery, server.RoleEnrichment},
		"worker roles to supervise")
	return cmd
}

// runWorkers builds the worker dependencies, watches the reference revision
// and SIGHUP, and runs fn until it returns or a signal arrives.
func runWorkers(parent context.Context, fn func(context.Context, *server.Workers) error) error {
	rt, err := resolveRuntime(parent)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	workers, err := server.BuildWorkers(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := workers.Close(closeCtx); cerr != nil {
			rt.logger.Warn("worker shutdown incomplete", zap.Error(cerr))
		}
	}()

	go workers.WatchReference(ctx)
	go invalidateOnHangup(ctx, workers, rt.logger)

	err = fn(ctx, workers)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func invalidateOnHangup(ctx context.Context, workers *server.Workers, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reference data invalidated")
			workers.InvalidateReference()
		}
	}
}
