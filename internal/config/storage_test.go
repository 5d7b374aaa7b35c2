package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageRoundTrip(t *testing.T) {
	s := NewStorage(t.TempDir())

	require.NoError(t, s.Save("pluginconfigs", "plugin-SEARCH", []byte("- key: API_KEY\n  value: env:SEARCH_KEY\n")))

	data, err := s.Load("pluginconfigs", "plugin-SEARCH")
	require.NoError(t, err)
	assert.Contains(t, string(data), "API_KEY")

	names, err := s.List("pluginconfigs")
	require.NoError(t, err)
	assert.Equal(t, []string{"plugin-SEARCH"}, names)

	require.NoError(t, s.Delete("pluginconfigs", "plugin-SEARCH"))
	_, err = s.Load("pluginconfigs", "plugin-SEARCH")
	assert.Error(t, err)
}

func TestStorageSanitizesNames(t *testing.T) {
	s := NewStorage(t.TempDir())
	require.NoError(t, s.Save("pluginconfigs", "../evil/name", []byte("x")))

	names, err := s.List("pluginconfigs")
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.NotContains(t, names[0], "..")
}

func TestStorageListEmpty(t *testing.T) {
	s := NewStorage(t.TempDir())
	names, err := s.List("pluginconfigs")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStorageRejectsEmptyArgs(t *testing.T) {
	s := NewStorage(t.TempDir())
	assert.Error(t, s.Save("", "n", []byte("x")))
	assert.Error(t, s.Save("t", "", []byte("x")))
	_, err := s.Load("", "n")
	assert.Error(t, err)
}
