package database

import (
	"fmt"
	"os"
	"path/filepath"

	"disposisi-go/internal/config"
	"disposisi-go/internal/disposisi"
)

// DatabaseFileName is the name of the SQLite database file under the data directory.
const DatabaseFileName = "disposisi.db"

// NewDatabaseFromConfig creates a migrated database based on the config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (disposisi.Database, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("sqlite database requires data_dir to be set")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return newMigratedDatabase(filepath.Join(cfg.DataDir, DatabaseFileName))
	case "memory":
		return newMigratedDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

func newMigratedDatabase(path string) (*SQLiteDatabase, error) {
	db, err := NewSQLiteDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
