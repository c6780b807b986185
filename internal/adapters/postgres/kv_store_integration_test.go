//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/adapters/postgres"
	"github.com/samirrijal/bilbotrack/internal/pkg/config"
)

// setupTestDB connects to the test database and truncates kv_store.
func setupTestDB(t *testing.T) *postgres.DB {
	t.Helper()
	cfg, err := config.Load("bilbotrack-test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := postgres.New(ctx, cfg.Database.DSN(), 2)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Pool.Exec(ctx, `TRUNCATE kv_store`)
	require.NoError(t, err)
	return db
}

func TestKVStore_RoundTrip(t *testing.T) {
	store := postgres.NewKVStore(setupTestDB(t))
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "a", "2"))
	require.NoError(t, store.Set(ctx, "b", "3"))

	v, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	keys, err := store.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, store.MultiRemove(ctx, []string{"a", "b"}))
	keys, err = store.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKVStore_Remove(t *testing.T) {
	store := postgres.NewKVStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v"))
	require.NoError(t, store.Remove(ctx, "k"))
	require.NoError(t, store.Remove(ctx, "k"))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
