// Package migrate applies the embedded SQL schema with golang-migrate,
// the way the teacher's internal/migration package runs its billing schema
// on startup: the binary is fully usable out of the box, no external
// migration step required.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Up applies every pending migration against db. db must be authenticated
// as a superuser (or owner) since CREATE ROLE / FORCE ROW LEVEL SECURITY
// require elevated privileges that app_rls itself never holds.
func Up(db *sql.DB) error {
	if db == nil {
		return errors.New("migrate: database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("migrate: open embedded migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("migrate: create source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate: create driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: apply migrations: %w", err)
	}
	// migrator.Close is intentionally not called: it would close the
	// shared *sql.DB, which the rest of the process still needs.

	return nil
}
