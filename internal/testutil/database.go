package testutil

import (
	"testing"

	"disposisi-go/internal/database"
	"disposisi-go/internal/disposisi"
)

// NewTestDatabase creates a new in-memory SQLite database with all migrations
// applied. The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) disposisi.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
