// Command migrate applies the batch core's schema migrations (spec.md §3's
// Persistent Store tables) using the embedded Tern migration set in
// internal/batchpg/migrations.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/internal/batchpg"
)

func main() {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("BATCHCORE_DB_HOST", "localhost"),
		envOr("BATCHCORE_DB_PORT", "5432"),
		envOr("BATCHCORE_DB_USER", "batchcore"),
		envOr("BATCHCORE_DB_PASSWORD", "batchcore"),
		envOr("BATCHCORE_DB_NAME", "batchcore"),
	)

	conn, err := pgx.Connect(context.Background(), connStr)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(context.Background())

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	lh := logharbour.NewLogger(lctx, "migrate", os.Stdout)

	if err := batchpg.MigrateDatabase(conn, lh); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
