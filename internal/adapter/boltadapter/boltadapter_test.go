package boltadapter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/adapter"
)

func TestAdapter_InitializeAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	a, err := adapter.New("bolt", "primary", map[string]any{"path": path})
	require.NoError(t, err)

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, "primary", a.Alias())
	assert.Equal(t, "bolt", a.Flavour())

	bolt := a.(*Adapter)
	require.NotNil(t, bolt.DB())

	require.NoError(t, a.Close())
}

func TestNew_MissingPath(t *testing.T) {
	_, err := New("primary", nil)
	require.Error(t, err)
}
