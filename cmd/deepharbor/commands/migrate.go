package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/changelog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending database migrations.

This creates or upgrades the change log tables, the processing log, the
routing table, the member tables, and the waiver storage.

Examples:
  # Run migrations with default config
  deepharbor migrate

  # Run migrations with custom config
  deepharbor migrate --config /etc/deepharbor/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger.Info("running database migrations", "database", cfg.Database.Name)

	if err := changelog.RunMigrations(ctx, cfg.Database); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, ok, err := changelog.MigrationVersion(cfg.Database)
	if err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("no schema version recorded after migration")
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; manual intervention required", version)
	}

	fmt.Printf("Migrations completed successfully (schema version: %d)\n", version)
	return nil
}
