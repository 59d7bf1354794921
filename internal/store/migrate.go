package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlite3m "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var sqlMigrations embed.FS

func migrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := sqlite3m.WithInstance(db, &sqlite3m.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite3 migration driver: %w", err)
	}
	source, err := iofs.New(sqlMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) error {
	if m == nil {
		return nil
	}
	srcErr, dbErr := m.Close()
	return errors.Join(srcErr, dbErr)
}

// applyMigrations brings the schema forward to the latest version. It never
// rolls back; a migration that has already run is a no-op.
func applyMigrations(db *sql.DB) error {
	m, err := migrator(db)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations up: %w", err)
	}
	return nil
}
