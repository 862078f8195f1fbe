package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API, scheduler and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, err := server.OpenStore(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			coord, err := server.BuildCoordinator(rt.cfg, repo, rt.logger)
			if err != nil {
				repo.Close()
				return err
			}
			rt.logger.Info("coordinator starting", zap.Int("port", rt.cfg.Server.Port))
			return coord.Run(ctx)
		},
	}
}
