package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	alias string
}

func (f *fakeAdapter) Alias() string                       { return f.alias }
func (f *fakeAdapter) Flavour() string                     { return "fake" }
func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                         { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("fake-test-flavour", func(alias string, args map[string]any) (Adapter, error) {
		return &fakeAdapter{alias: alias}, nil
	})

	a, err := New("fake-test-flavour", "primary", nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", a.Alias())
	assert.Equal(t, "fake", a.Flavour())
}

func TestNew_UnknownFlavour(t *testing.T) {
	_, err := New("does-not-exist", "primary", nil)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Flavour: "redis", Reason: "addr is required"}
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "addr is required")
}
