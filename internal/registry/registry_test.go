package registry

import (
	"context"
	"testing"
	"time"

	"capman/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *LocalRepository) {
	t.Helper()
	root := t.TempDir()
	repo := NewLocalRepository(root)
	reg := New(Options{
		Repositories: []Repository{repo},
		HostCaps:     api.HostCapabilities{HostVersion: "1.5.0", HostAppName: "capabilitiesmanager"},
		PluginRoot:   root,
		CacheRoot:    t.TempDir(),
	})
	require.NoError(t, reg.Initialize(context.Background()))
	return reg, repo
}

func manifest(id, verb, version string) *api.PluginManifest {
	return &api.PluginManifest{
		ID:       id,
		Verb:     verb,
		Version:  version,
		Language: api.LanguageInternal,
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)

	m := manifest("plugin-CHAT", "CHAT", "1.0.0")
	isUpdate, err := reg.Store(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, isUpdate)

	got := reg.FetchOne("plugin-CHAT", "1.0.0")
	require.NotNil(t, got)
	assert.Equal(t, "CHAT", got.Verb)
	assert.Equal(t, "1.0.0", got.Version)

	isUpdate, err = reg.Store(context.Background(), manifest("plugin-CHAT", "CHAT", "1.0.0"))
	require.NoError(t, err)
	assert.True(t, isUpdate)
}

func TestFetchOnePicksHighestSemver(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "0.9.0", "1.2.3", "1.10.0"} {
		_, err := reg.Store(ctx, manifest("plugin-X", "X", v))
		require.NoError(t, err)
	}

	got := reg.FetchOne("plugin-X", "")
	require.NotNil(t, got)
	assert.Equal(t, "1.10.0", got.Version)
}

func TestFetchOneByVerbAcrossIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	a := manifest("plugin-A", "SEARCH", "1.0.0")
	a.InsertedAt = time.Now().Add(-time.Hour)
	b := manifest("plugin-B", "SEARCH", "2.0.0")
	b.InsertedAt = time.Now()

	// The in-memory index keeps both ids for the verb even though the local
	// layout holds one manifest file per verb directory.
	_, err := reg.Store(ctx, a)
	require.NoError(t, err)
	_, err = reg.Store(ctx, b)
	require.NoError(t, err)

	got := reg.FetchOneByVerb("SEARCH", "")
	require.NotNil(t, got)
	assert.Equal(t, "plugin-B", got.ID)

	all := reg.FetchAllVersionsByVerb("SEARCH")
	require.Len(t, all, 2)
	assert.Equal(t, "2.0.0", all[0].Version)
	assert.Equal(t, "1.0.0", all[1].Version)
}

func TestCompareVersionsProperties(t *testing.T) {
	versions := []string{"0.9.0", "1.0.0", "1.0.1", "1.10.0", "2.0.0"}
	for i, a := range versions {
		assert.Zero(t, CompareVersions(a, a))
		for _, b := range versions[i+1:] {
			assert.Negative(t, CompareVersions(a, b), "%s < %s", a, b)
			assert.Positive(t, CompareVersions(b, a), "%s > %s", b, a)
		}
	}
}

func TestStoreRejectsInvalidManifest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Store(ctx, &api.PluginManifest{ID: "x", Verb: "X", Version: "1.0.0"})
	assert.Error(t, err, "missing language")

	_, err = reg.Store(ctx, manifest("x", "X", "not-semver"))
	assert.Error(t, err)

	bad := manifest("x", "X", "1.0.0")
	bad.Language = api.LanguageSubprocess
	_, err = reg.Store(ctx, bad)
	assert.Error(t, err, "subprocess without entry point")

	badPerm := manifest("x", "X", "1.0.0")
	badPerm.Security.Permissions = []string{"root.everything"}
	_, err = reg.Store(ctx, badPerm)
	assert.Error(t, err)
}

func TestCheckPluginCompatibility(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ok := manifest("a", "X", "0.9.0")
	ok.Compatibility = &api.HostCompatibility{MinHostVersion: "1.0.0"}
	assert.NoError(t, reg.CheckPluginCompatibility(ok))

	tooNew := manifest("b", "X", "1.0.0")
	tooNew.Compatibility = &api.HostCompatibility{MinHostVersion: "2.0.0"}
	assert.Error(t, reg.CheckPluginCompatibility(tooNew))

	wrongApp := manifest("c", "X", "1.0.0")
	wrongApp.Compatibility = &api.HostCompatibility{HostAppName: "otherapp"}
	assert.Error(t, reg.CheckPluginCompatibility(wrongApp))

	assert.NoError(t, reg.CheckPluginCompatibility(manifest("d", "X", "1.0.0")))
}

func TestDelete(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Store(ctx, manifest("plugin-Y", "Y", "1.0.0"))
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "plugin-Y", ""))
	assert.Nil(t, reg.FetchOne("plugin-Y", ""))
	assert.Nil(t, reg.FetchOneByVerb("Y", ""))

	err = reg.Delete(ctx, "plugin-Y", "")
	assert.True(t, api.IsNotFound(err))
}

func TestInitializeFromDisk(t *testing.T) {
	root := t.TempDir()
	repo := NewLocalRepository(root)
	require.NoError(t, repo.Store(context.Background(), manifest("plugin-Z", "Z", "3.1.4")))

	reg := New(Options{Repositories: []Repository{repo}, PluginRoot: root, CacheRoot: t.TempDir()})
	require.NoError(t, reg.Initialize(context.Background()))

	got := reg.FetchOneByVerb("Z", "")
	require.NotNil(t, got)
	assert.Equal(t, "3.1.4", got.Version)
	assert.Equal(t, "local", got.Repository)

	locators := reg.List()
	require.Len(t, locators, 1)
	assert.Equal(t, "Z", locators[0].Verb)
}

func TestWatchTriggersReindex(t *testing.T) {
	root := t.TempDir()
	repo := NewLocalRepository(root)

	changed := make(chan struct{}, 1)
	stop, err := repo.Watch(context.Background(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, repo.Store(context.Background(), manifest("plugin-W", "W", "1.0.0")))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the manifest write")
	}
}
