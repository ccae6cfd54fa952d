// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/store/sqlite"
)

// NewTestDB creates a migrated SQLite database in a per-test temp
// directory. The handle is closed when the test finishes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskrelay-test.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestStore creates a migrated SQLite store in a per-test temp
// directory.
func NewTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	return sqlite.New(NewTestDB(t))
}
