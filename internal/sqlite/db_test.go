package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(":memory:")
	require.NoError(t, err, "failed to create test database")

	err = db.RunMigrations()
	require.NoError(t, err, "failed to run migrations")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// TestMigrations verifies that migrations run successfully
func TestMigrations(t *testing.T) {
	db := NewTestDB(t)

	tables := []string{
		"streams",
		"events",
		"snapshots",
		"resolution_rules",
	}

	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err, "failed to query table %s", table)
		require.Equal(t, 1, count, "table %s not found", table)
	}

	// Re-running is a no-op.
	require.NoError(t, db.RunMigrations())
}

// TestForeignKeys verifies that foreign key constraints are enabled
func TestForeignKeys(t *testing.T) {
	db := NewTestDB(t)

	var enabled int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	require.NoError(t, err)
	require.Equal(t, 1, enabled, "foreign keys not enabled")

	_, err = db.ExecContext(context.Background(),
		`INSERT INTO events (stream_id, seq, id, event_type, event_version, data, metadata, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"content-missing", 1, "e1", "content_created", 1, "{}", "{}", 0)
	require.Error(t, err, "events need a stream")
	require.True(t, isForeignKeyViolation(err))
}

func TestRulesTable_SuccessRateCheck(t *testing.T) {
	db := NewTestDB(t)

	_, err := db.Exec(
		`INSERT INTO resolution_rules (id, name, conditions, resolution, success_rate, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"r1", "bad", "{}", "{}", 1.5, 0, 0)
	require.Error(t, err)
}
