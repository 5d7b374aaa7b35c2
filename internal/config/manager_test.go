package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	items []PluginConfigItem
	err   error
	calls int
}

func (f *fakeRemote) LoadPluginConfig(ctx context.Context, pluginID string) ([]PluginConfigItem, error) {
	f.calls++
	return f.items, f.err
}

func TestGetPluginConfigRemoteFirst(t *testing.T) {
	remote := &fakeRemote{items: []PluginConfigItem{{Key: "TOKEN", Value: "env:MY_TOKEN", Credential: true}}}
	m := NewManager(remote, NewStorage(t.TempDir()))

	items, err := m.GetPluginConfig(context.Background(), "plugin-X")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "TOKEN", items[0].Key)

	// Second lookup is served from cache.
	_, err = m.GetPluginConfig(context.Background(), "plugin-X")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
}

func TestGetPluginConfigFallsBackToLocal(t *testing.T) {
	storage := NewStorage(t.TempDir())
	m := NewManager(&fakeRemote{err: errors.New("librarian down")}, storage)
	require.NoError(t, m.SetPluginConfig("plugin-Y", []PluginConfigItem{{Key: "K", Value: "v"}}))

	// Fresh manager over the same storage, remote still failing.
	m2 := NewManager(&fakeRemote{err: errors.New("librarian down")}, storage)
	items, err := m2.GetPluginConfig(context.Background(), "plugin-Y")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "v", items[0].Value)
}

func TestGetPluginConfigMissingIsEmpty(t *testing.T) {
	m := NewManager(nil, NewStorage(t.TempDir()))
	items, err := m.GetPluginConfig(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResolveValue(t *testing.T) {
	t.Setenv("CAPMAN_TEST_SECRET", "s3cret")

	v, err := ResolveValue("env:CAPMAN_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = ResolveValue("literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", v)

	_, err = ResolveValue("env:CAPMAN_TEST_UNSET_VAR")
	assert.Error(t, err)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(t.TempDir())
	assert.Equal(t, ":5060", cfg.ListenAddr)
	assert.Equal(t, "1.0.0", cfg.CMVersion)
	assert.NoError(t, cfg.Validate())
}
