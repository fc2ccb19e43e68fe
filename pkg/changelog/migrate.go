package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/changelog/migrations"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// RunMigrations applies the embedded schema migrations. golang-migrate takes
// a PostgreSQL advisory lock, so concurrent runs from several instances are
// safe.
func RunMigrations(ctx context.Context, cfg config.DatabaseConfig) error {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := newMigrator(db, cfg.Name)
	if err != nil {
		return err
	}

	logger.Info("applying migrations", "database", cfg.Name)

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("migrations applied", "version", version, "dirty", dirty)
	if dirty {
		logger.Warn("schema is in a dirty state; manual intervention may be required")
	}

	return nil
}

// MigrationVersion returns the current schema version, with ok=false when no
// migration has ever been applied.
func MigrationVersion(cfg config.DatabaseConfig) (version uint, dirty bool, ok bool, err error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db, cfg.Name)
	if err != nil {
		return 0, false, false, err
	}

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}

	return version, dirty, true, nil
}

func newMigrator(db *sql.DB, dbName string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    dbName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}
