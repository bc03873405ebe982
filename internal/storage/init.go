package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationPath = "migrations"

// RunMigrations applies every pending migration to the database at dsn.
func RunMigrations(dsn string, logger zerolog.Logger) error {
	const op = "storage.RunMigrations"

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	before, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(db, migrationPath); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			logger.Info().Int64("version", before).Msg("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	after, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Info().Int64("from", before).Int64("to", after).Msg("database migrations applied")
	return nil
}
