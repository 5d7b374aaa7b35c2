package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"capman/pkg/logging"

	"gopkg.in/yaml.v3"
)

// PluginConfigItem is one configuration entry of a plugin, typically a
// credential reference. Values are indirect: an "env:VAR" value resolves to
// the environment at injection time, never at rest.
type PluginConfigItem struct {
	Key         string `json:"key" yaml:"key"`
	Value       string `json:"value" yaml:"value"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Credential  bool   `json:"credential,omitempty" yaml:"credential,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// RemoteConfigSource loads per-plugin configuration from the persistent
// configuration store. Implemented by the librarian client.
type RemoteConfigSource interface {
	LoadPluginConfig(ctx context.Context, pluginID string) ([]PluginConfigItem, error)
}

// Manager serves per-plugin configuration. It is constructed once at startup
// and handed to the executor; lookups hit the remote store first and fall
// back to (and cache into) local storage.
type Manager struct {
	mu      sync.RWMutex
	remote  RemoteConfigSource
	storage *Storage
	cache   map[string][]PluginConfigItem
}

const pluginConfigEntity = "pluginconfigs"

// NewManager creates a configuration manager. remote may be nil, in which
// case only local storage is consulted.
func NewManager(remote RemoteConfigSource, storage *Storage) *Manager {
	return &Manager{
		remote:  remote,
		storage: storage,
		cache:   make(map[string][]PluginConfigItem),
	}
}

// GetPluginConfig returns the configuration items recorded for a plugin.
// A missing record is not an error; it returns an empty list.
func (m *Manager) GetPluginConfig(ctx context.Context, pluginID string) ([]PluginConfigItem, error) {
	m.mu.RLock()
	if items, ok := m.cache[pluginID]; ok {
		m.mu.RUnlock()
		return items, nil
	}
	m.mu.RUnlock()

	if m.remote != nil {
		items, err := m.remote.LoadPluginConfig(ctx, pluginID)
		if err == nil {
			m.store(pluginID, items)
			return items, nil
		}
		logging.Warn("ConfigManager", "Remote config load failed for %s, falling back to local: %v", pluginID, err)
	}

	data, err := m.storage.Load(pluginConfigEntity, pluginID)
	if err != nil {
		// No record anywhere.
		return nil, nil
	}
	var items []PluginConfigItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse stored config for %s: %w", pluginID, err)
	}
	m.store(pluginID, items)
	return items, nil
}

// SetPluginConfig records configuration items for a plugin locally.
func (m *Manager) SetPluginConfig(pluginID string, items []PluginConfigItem) error {
	data, err := yaml.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal config for %s: %w", pluginID, err)
	}
	if err := m.storage.Save(pluginConfigEntity, pluginID, data); err != nil {
		return err
	}
	m.store(pluginID, items)
	return nil
}

func (m *Manager) store(pluginID string, items []PluginConfigItem) {
	m.mu.Lock()
	m.cache[pluginID] = items
	m.mu.Unlock()
}

// ResolveValue resolves a configuration value, expanding "env:VAR"
// references against the process environment.
func ResolveValue(value string) (string, error) {
	if strings.HasPrefix(value, "env:") {
		name := strings.TrimPrefix(value, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s referenced by configuration is not set", name)
		}
		return v, nil
	}
	return value, nil
}
