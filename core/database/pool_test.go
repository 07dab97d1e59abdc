package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolBasicOperations(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "hello")
	require.NoError(t, err)

	var value string
	require.NoError(t, pool.QueryRow(ctx, "SELECT value FROM test WHERE id = ?", 1).Scan(&value))
	assert.Equal(t, "hello", value)
	assert.NoError(t, pool.IntegrityCheck())
}

func TestPoolTransactionRollback(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE tx_test (id INTEGER PRIMARY KEY, value INTEGER)")
	require.NoError(t, err)

	require.NoError(t, pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO tx_test (value) VALUES (?)", 100)
		return err
	}))

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, _ = tx.Exec("INSERT INTO tx_test (value) VALUES (?)", 200)
		return sql.ErrNoRows
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM tx_test").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPoolCloseIdempotent(t *testing.T) {
	pool := openTestPool(t)
	assert.NoError(t, pool.Close())
	assert.NoError(t, pool.Close())

	_, err := pool.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMigrator(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     2,
			Description: "add index",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE INDEX idx_items_name ON items(name)")
				return err
			},
		},
		{
			Version:     1,
			Description: "create items",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
				return err
			},
		},
	}

	m := NewMigrator(pool, migrations)
	pending, err := m.PendingMigrations()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Version)

	require.NoError(t, m.Migrate(ctx))
	version, err := pool.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	require.NoError(t, m.Migrate(ctx))
	pending, err = m.PendingMigrations()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
