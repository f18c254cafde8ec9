package batchpg

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/tern/v2/migrate"
	"github.com/remiges-tech/logharbour/logharbour"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrateDatabase runs the schema migrations using Tern, grounded on the
// teacher's jobs/migration.go embed+migrate.NewMigrator pattern.
func MigrateDatabase(conn *pgx.Conn, lh *logharbour.Logger) error {
	ctx := context.Background()

	migrator, err := migrate.NewMigrator(ctx, conn, "schema_version")
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	filesystem, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub-filesystem: %w", err)
	}

	if err := migrator.LoadMigrations(filesystem); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if lh != nil {
		lh.Info().LogActivity("loaded migrations", map[string]any{"count": len(migrator.Migrations)})
	}

	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
