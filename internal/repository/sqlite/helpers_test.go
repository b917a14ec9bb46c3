package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/db"
)

// openTestDB returns a migrated in-memory database closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
