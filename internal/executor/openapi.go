package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"capman/internal/api"
	"capman/internal/config"
	"capman/internal/report"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// defaultAPITimeout bounds OpenAPI remote calls without a declared timeout.
const defaultAPITimeout = 30 * time.Second

// runOpenAPI resolves the operation in the plugin's OpenAPI document, maps
// inputs onto its parameters, applies authentication and issues the request.
func (e *Executor) runOpenAPI(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, traceID string) ([]api.PluginOutput, error) {
	if m.API == nil {
		return nil, report.Newf(report.CodeExecutionFailed, subsystem,
			"plugin %s has no api configuration", m.ID)
	}

	doc, err := loadOpenAPIDoc(ctx, m.API.SpecPath)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to load OpenAPI document for plugin %s", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}

	opID := m.API.OperationID
	if opID == "" {
		opID = m.Verb
	}
	method, path, op := findOperation(doc, opID)
	if op == nil {
		return nil, report.New(report.CodeOpenAPIOperationNotFound,
			fmt.Sprintf("operation %q not found in OpenAPI document for plugin %s", opID, m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 404})
	}

	baseURL := m.API.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	// The base URL may reference invocation inputs, e.g. a per-tenant host.
	baseURL, err = e.templates.ReplaceString(baseURL, flattenInputs(inputs))
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to render base URL for plugin %s: %v", m.ID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}
	req, err := buildOpenAPIRequest(ctx, method, baseURL, path, op, inputs)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to build request for plugin %s", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}
	if err := applyAuth(req, m.API.Authentication); err != nil {
		return nil, report.New(report.CodeAuthenticationFailed, err.Error(),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 401})
	}

	timeout := defaultAPITimeout
	if m.API.TimeoutSeconds > 0 {
		timeout = time.Duration(m.API.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("request to %s failed for plugin %s", req.URL.Host, m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptOutput))
	if err != nil {
		return nil, fmt.Errorf("failed to read response for plugin %s: %w", m.ID, err)
	}
	logging.DebugT(subsystem, traceID, "OpenAPI call %s %s answered %d in %s", method, req.URL.Path, resp.StatusCode, elapsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("plugin %s remote answered %d: %s", m.ID, resp.StatusCode, pkgstrings.Truncate(string(body), 512)),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 502})
	}

	return mapOpenAPIResponse(m, resp, body, elapsed), nil
}

func loadOpenAPIDoc(ctx context.Context, specPath string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	if strings.HasPrefix(specPath, "http://") || strings.HasPrefix(specPath, "https://") {
		u, err := url.Parse(specPath)
		if err != nil {
			return nil, err
		}
		return loader.LoadFromURI(u)
	}
	return loader.LoadFromFile(specPath)
}

// findOperation locates an operation by operationId across all paths and
// methods.
func findOperation(doc *openapi3.T, opID string) (method, path string, op *openapi3.Operation) {
	for p, item := range doc.Paths.Map() {
		for m, candidate := range item.Operations() {
			if candidate != nil && strings.EqualFold(candidate.OperationID, opID) {
				return m, p, candidate
			}
		}
	}
	return "", "", nil
}

// buildOpenAPIRequest maps inputs onto the operation's parameters: path
// parameters substitute into the URL, query and header parameters attach to
// the request, and everything unmapped becomes the JSON body when the
// operation accepts one.
func buildOpenAPIRequest(ctx context.Context, method, baseURL, path string, op *openapi3.Operation, inputs map[string]api.InputValue) (*http.Request, error) {
	consumed := map[string]bool{}
	query := url.Values{}
	headers := map[string]string{}

	for _, ref := range op.Parameters {
		param := ref.Value
		if param == nil {
			continue
		}
		iv, present := inputs[param.Name]
		if !present {
			if param.Required {
				return nil, fmt.Errorf("required parameter %q has no input", param.Name)
			}
			continue
		}
		value := fmt.Sprintf("%v", iv.Value)
		consumed[param.Name] = true

		switch param.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(value))
		case openapi3.ParameterInQuery:
			query.Set(param.Name, value)
		case openapi3.ParameterInHeader:
			headers[param.Name] = value
		}
	}

	var body io.Reader
	if op.RequestBody != nil && method != http.MethodGet {
		payload := map[string]interface{}{}
		for name, iv := range inputs {
			if !consumed[name] && !strings.HasPrefix(name, "__") {
				payload[name] = iv.Value
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	full := strings.TrimSuffix(baseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// applyAuth attaches the configured authentication scheme, resolving the
// credential reference through the configuration store.
func applyAuth(req *http.Request, auth *api.AuthConfig) error {
	if auth == nil || auth.Type == api.AuthNone || auth.Type == "" {
		return nil
	}
	cred, err := config.ResolveValue(auth.CredentialRef)
	if err != nil {
		return fmt.Errorf("credential for %s auth: %w", auth.Type, err)
	}

	switch auth.Type {
	case api.AuthAPIKey:
		if auth.In == "query" {
			q := req.URL.Query()
			q.Set(auth.Name, cred)
			req.URL.RawQuery = q.Encode()
		} else {
			name := auth.Name
			if name == "" {
				name = "X-API-Key"
			}
			req.Header.Set(name, cred)
		}
	case api.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cred)
	case api.AuthBasic:
		user, pass, found := strings.Cut(cred, ":")
		if !found {
			return fmt.Errorf("basic auth credential must be user:password")
		}
		req.SetBasicAuth(user, pass)
	default:
		return fmt.Errorf("unsupported auth type %q", auth.Type)
	}
	return nil
}

// mapOpenAPIResponse folds the HTTP response into the output list: the main
// result (typed from the response content), plus statusCode and responseTime.
func mapOpenAPIResponse(m *api.PluginManifest, resp *http.Response, body []byte, elapsed time.Duration) []api.PluginOutput {
	name := "result"
	if len(m.OutputDefinitions) > 0 {
		name = m.OutputDefinitions[0].Name
	}

	var (
		result     interface{} = string(body)
		resultType             = api.TypeString
	)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err == nil {
			result = decoded
			switch decoded.(type) {
			case []interface{}:
				resultType = api.TypeArray
			case map[string]interface{}:
				resultType = api.TypeObject
			case float64:
				resultType = api.TypeNumber
			case bool:
				resultType = api.TypeBoolean
			}
		}
	}

	return []api.PluginOutput{
		{
			Success:           true,
			Name:              name,
			ResultType:        resultType,
			Result:            result,
			ResultDescription: fmt.Sprintf("response of %s", m.Verb),
			MimeType:          resp.Header.Get("Content-Type"),
		},
		{Success: true, Name: "statusCode", ResultType: api.TypeNumber, Result: resp.StatusCode},
		{Success: true, Name: "responseTime", ResultType: api.TypeNumber, Result: elapsed.Milliseconds()},
	}
}
