package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"capman/internal/config"
)

// LibrarianClient talks to the librarian, the persistent store for
// per-plugin configuration and plugin metadata.
type LibrarianClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLibrarianClient creates a librarian client.
func NewLibrarianClient(baseURL string) *LibrarianClient {
	return &LibrarianClient{
		baseURL:    ensureScheme(baseURL),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type storeDataRequest struct {
	ID             string      `json:"id"`
	Data           interface{} `json:"data"`
	CollectionName string      `json:"collection"`
	StorageType    string      `json:"storageType"`
}

// LoadPluginConfig implements config.RemoteConfigSource.
func (c *LibrarianClient) LoadPluginConfig(ctx context.Context, pluginID string) ([]config.PluginConfigItem, error) {
	u := fmt.Sprintf("%s/loadData/%s?collection=pluginConfigs&storageType=mongo", c.baseURL, url.PathEscape(pluginID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build loadData request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("librarian unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("librarian returned HTTP %d loading config for %s", resp.StatusCode, pluginID)
	}

	var payload struct {
		Data []config.PluginConfigItem `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", pluginID, err)
	}
	return payload.Data, nil
}

// StorePluginConfig persists configuration items for a plugin.
func (c *LibrarianClient) StorePluginConfig(ctx context.Context, pluginID string, items []config.PluginConfigItem) error {
	body, err := json.Marshal(storeDataRequest{
		ID:             pluginID,
		Data:           items,
		CollectionName: "pluginConfigs",
		StorageType:    "mongo",
	})
	if err != nil {
		return fmt.Errorf("failed to encode storeData request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storeData", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build storeData request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("librarian unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("librarian returned HTTP %d storing config for %s", resp.StatusCode, pluginID)
	}
	return nil
}
