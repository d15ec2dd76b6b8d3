package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateCreatesCoreTables(t *testing.T) {
	db := openMemoryDB(t)
	require.NoError(t, Migrate(db, nil))

	for _, table := range []string{
		"schema_migrations",
		"server_configurations",
		"agents",
		"tasks",
		"execution_records",
		"exec_jobs",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openMemoryDB(t)
	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 3, count)
}
