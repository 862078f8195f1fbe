package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/arrest-records-crawler/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required for migrate")
			}
			if err := pgstore.Migrate(cmd.Context(), rt.cfg.DB.DSN); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info("migrations applied")
			return nil
		},
	}
}
