package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"capman/pkg/logging"
)

// EngineerClient asks the external engineer service to synthesize a new
// plugin for a verb. On success the engineer persists the new manifest into
// the shared plugin repository; the caller re-fetches it by verb.
type EngineerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEngineerClient creates an engineer service client. Plugin synthesis is
// slow, so the client carries a generous timeout.
func NewEngineerClient(baseURL string) *EngineerClient {
	return &EngineerClient{
		baseURL:    ensureScheme(baseURL),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type createPluginRequest struct {
	Verb     string                 `json:"verb"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Guidance string                 `json:"guidance,omitempty"`
}

type createPluginResponse struct {
	Success  bool   `json:"success"`
	PluginID string `json:"pluginId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RequestPlugin submits a plugin synthesis request for the verb and returns
// the new plugin's ID.
func (c *EngineerClient) RequestPlugin(ctx context.Context, verb string, context_ map[string]interface{}, guidance string) (string, error) {
	body, err := json.Marshal(createPluginRequest{Verb: verb, Context: context_, Guidance: guidance})
	if err != nil {
		return "", fmt.Errorf("failed to encode createPlugin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/createPlugin", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build createPlugin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logging.Info("EngineerClient", "Requesting plugin synthesis for verb %s", verb)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("engineer service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("engineer returned HTTP %d for verb %s", resp.StatusCode, verb)
	}

	var cr createPluginResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to decode createPlugin response: %w", err)
	}
	if !cr.Success {
		return "", fmt.Errorf("engineer could not create plugin for %s: %s", verb, cr.Message)
	}

	return cr.PluginID, nil
}
