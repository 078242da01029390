// Package migrations embeds the SQL schema files and applies them with
// golang-migrate. The schema covers documents, attachments, counters, and
// the audit log.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// CheckDBMigrationStatus reports whether the database schema matches the
// embedded migrations. It returns nil only when the database is clean and at
// the latest version; an unversioned, dirty, behind, or ahead schema each
// produce a distinct error.
func CheckDBMigrationStatus(db *sql.DB) error {
	m, srcDriver, err := newMigrate(db)
	if err != nil {
		return err
	}
	// Closing m would close the caller's db handle, so only the source
	// driver is released here.
	defer srcDriver.Close()

	current, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("database has no schema version (needs migration)")
		}
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d (a previous migration failed)", current)
	}

	latest, err := latestVersion(srcDriver)
	if err != nil {
		return fmt.Errorf("determining latest schema version: %w", err)
	}
	switch {
	case current < latest:
		return fmt.Errorf("schema at version %d, latest is %d (%d migrations pending)",
			current, latest, latest-current)
	case current > latest:
		return fmt.Errorf("schema version %d is newer than this binary knows (%d); update the binary",
			current, latest)
	}
	return nil
}

// MigrateUp applies every pending migration. An already-current schema is
// not an error.
func MigrateUp(db *sql.DB) error {
	m, srcDriver, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer srcDriver.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// newMigrate builds a migrate instance over the embedded files and the
// caller's open database. The caller keeps ownership of db; the returned
// source driver must be closed by the caller.
func newMigrate(db *sql.DB) (*migrate.Migrate, source.Driver, error) {
	srcDriver, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, nil, fmt.Errorf("opening embedded migrations: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		srcDriver.Close()
		return nil, nil, fmt.Errorf("wrapping database for migration: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		srcDriver.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, srcDriver, nil
}

// latestVersion walks the source driver to the highest migration version.
func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next past the last migration errors; that marks the end.
			return version, nil
		}
		version = next
	}
}
