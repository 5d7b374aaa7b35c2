package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capman/internal/api"
	"capman/pkg/logging"

	"github.com/fsnotify/fsnotify"
	sigsyaml "sigs.k8s.io/yaml"
)

// Repository is a backend that persists plugin manifests. The registry
// aggregates one or more repositories and keeps the in-memory indices.
type Repository interface {
	// Type identifies the backend ("local", "librarian", ...).
	Type() string
	// List enumerates all manifests the backend knows.
	List(ctx context.Context) ([]*api.PluginManifest, error)
	// Store persists a manifest.
	Store(ctx context.Context, m *api.PluginManifest) error
	// Delete removes a manifest version; an empty version removes all
	// versions of the plugin.
	Delete(ctx context.Context, id, version string) error
}

// LocalRepository stores manifests as files under the service plugin root,
// one directory per verb: <root>/<verb>/manifest.json. Manifests may be
// JSON or YAML; both parse through sigs.k8s.io/yaml.
type LocalRepository struct {
	mu   sync.Mutex
	root string
}

// NewLocalRepository creates a local repository rooted at root.
func NewLocalRepository(root string) *LocalRepository {
	return &LocalRepository{root: root}
}

// Type implements Repository.
func (r *LocalRepository) Type() string { return "local" }

// List implements Repository. Unparseable manifests are skipped with a
// warning so one bad file does not take the whole index down.
func (r *LocalRepository) List(ctx context.Context) ([]*api.PluginManifest, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin root %s: %w", r.root, err)
	}

	var manifests []*api.PluginManifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := r.loadManifest(entry.Name())
		if err != nil {
			logging.Warn("LocalRepository", "Skipping plugin dir %s: %v", entry.Name(), err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (r *LocalRepository) loadManifest(dir string) (*api.PluginManifest, error) {
	var data []byte
	var err error
	for _, name := range []string{"manifest.json", "manifest.yaml", "manifest.yml"} {
		data, err = os.ReadFile(filepath.Join(r.root, dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no manifest file found")
	}

	var m api.PluginManifest
	if err := sigsyaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.Repository = r.Type()
	if m.InsertedAt.IsZero() {
		if info, statErr := os.Stat(filepath.Join(r.root, dir)); statErr == nil {
			m.InsertedAt = info.ModTime()
		} else {
			m.InsertedAt = time.Now()
		}
	}
	return &m, nil
}

// Store implements Repository. The manifest is written as pretty JSON into
// the verb's directory.
func (r *LocalRepository) Store(ctx context.Context, m *api.PluginManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.root, m.Verb)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest %s: %w", m.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", m.ID, err)
	}
	return nil
}

// Delete implements Repository. Version filtering happens in the registry;
// the local layout keeps a single manifest per verb directory, so deleting a
// plugin removes that directory's manifest file.
func (r *LocalRepository) Delete(ctx context.Context, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("failed to read plugin root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := r.loadManifest(entry.Name())
		if err != nil || m.ID != id {
			continue
		}
		if version != "" && m.Version != version {
			continue
		}
		for _, name := range []string{"manifest.json", "manifest.yaml", "manifest.yml"} {
			_ = os.Remove(filepath.Join(r.root, entry.Name(), name))
		}
		return nil
	}
	return api.NewNotFoundError("plugin", id)
}

// Watch starts an fsnotify watcher on the plugin root and invokes onChange
// (debounced per event burst by the caller's reindex cost) whenever manifest
// files change. It returns a stop function.
func (r *LocalRepository) Watch(ctx context.Context, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", r.root, err)
	}

	done := make(chan struct{})
	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		pending := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = true
					debounce.Reset(500 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("LocalRepository", "Watcher error: %v", err)
			case <-debounce.C:
				if pending {
					pending = false
					logging.Debug("LocalRepository", "Plugin root changed, reindexing")
					onChange()
				}
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}
