package services

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all up migrations for the service's driver on a dedicated
// connection that is closed afterwards.
func (d *DatabaseService) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+d.driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := sql.Open(d.driver, d.dsn)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	var driver database.Driver
	switch d.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		err = fmt.Errorf("unsupported ledger driver %q", d.driver)
	}
	if err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.driver, driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
