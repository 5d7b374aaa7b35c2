package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"capman/internal/report"
	"capman/pkg/logging"
)

// SecurityClient mints service tokens from the security manager using the
// shared client secret.
type SecurityClient struct {
	baseURL      string
	clientSecret string
	componentID  string
	httpClient   *http.Client
}

// NewSecurityClient creates a security manager client.
func NewSecurityClient(baseURL, clientSecret, componentID string) *SecurityClient {
	return &SecurityClient{
		baseURL:      ensureScheme(baseURL),
		clientSecret: clientSecret,
		componentID:  componentID,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

type authRequest struct {
	ComponentType string `json:"componentType"`
	ClientSecret  string `json:"clientSecret"`
	Audience      string `json:"audience,omitempty"`
}

type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	Token         string `json:"token"`
	Message       string `json:"message,omitempty"`
}

// MintServiceToken requests a service token for the given audience
// (an empty audience mints the component's own token).
func (c *SecurityClient) MintServiceToken(ctx context.Context, audience string) (string, error) {
	body, err := json.Marshal(authRequest{
		ComponentType: c.componentID,
		ClientSecret:  c.clientSecret,
		Audience:      audience,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/service", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", report.New(report.CodeTokenMintFailed, "security manager unreachable", report.Opts{
			Source: "SecurityClient", Cause: err, HTTPStatus: 401,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", report.New(report.CodeTokenMintFailed,
			fmt.Sprintf("security manager returned HTTP %d", resp.StatusCode),
			report.Opts{Source: "SecurityClient", HTTPStatus: 401})
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if !ar.Authenticated || ar.Token == "" {
		return "", report.New(report.CodeAuthenticationFailed,
			fmt.Sprintf("authentication rejected: %s", ar.Message),
			report.Opts{Source: "SecurityClient", HTTPStatus: 401})
	}

	logging.Debug("SecurityClient", "Minted service token for audience %q", audience)
	return ar.Token, nil
}

// ensureScheme prepends http:// to bare host:port URLs.
func ensureScheme(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "http://" + u
}
