// Package testing holds helpers shared by package tests.
package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/slate/db"
)

// CreateTestDB creates a migrated in-memory SQLite database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateTestFileDB creates a migrated file-backed database in t.TempDir().
// Use it when a test needs several real connections racing each other.
func CreateTestFileDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(t.TempDir()+"/slate.db", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
