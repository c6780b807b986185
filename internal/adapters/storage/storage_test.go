package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/adapters/storage"
	"github.com/samirrijal/bilbotrack/internal/pkg/config"
)

func TestOpen_Memory(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: config.StorageMemory}}

	b, err := storage.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, config.StorageMemory, b.Name)
	assert.Nil(t, b.DB)
	require.NoError(t, b.Store.Set(context.Background(), "k", "v"))
	v, ok, err := b.Store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.NoError(t, b.Store.Ping(context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: "sqlite"}}

	_, err := storage.Open(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown storage backend "sqlite"`)
}
