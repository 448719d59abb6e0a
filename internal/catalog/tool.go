package catalog

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

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/tools"
)

// maxResponseBytes truncates upstream responses before they reach the
// model context.
const maxResponseBytes = 64 << 10

// defaultCallTimeout bounds a single endpoint invocation.
const defaultCallTimeout = 30 * time.Second

// EndpointTool exposes one enabled ServiceEndpoint as an agent tool.
// Invocation builds an HTTP request from the tool arguments: path
// parameters substituted into `{name}` segments, query parameters
// appended, and a JSON body for write methods.
type EndpointTool struct {
	system     *models.ExternalSystem
	endpoint   *models.ServiceEndpoint
	resolver   *AuthResolver
	session    *auth.Session
	httpClient *http.Client
}

// NewEndpointTool binds an endpoint to a session. The session matters:
// SSO attribute mappings forward the caller's identity headers.
func NewEndpointTool(system *models.ExternalSystem, endpoint *models.ServiceEndpoint, resolver *AuthResolver, sess *auth.Session, client *http.Client) *EndpointTool {
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return &EndpointTool{
		system:     system,
		endpoint:   endpoint,
		resolver:   resolver,
		session:    sess,
		httpClient: client,
	}
}

// Name returns "<system>_<endpoint>" sanitized to a valid function name.
func (t *EndpointTool) Name() string {
	return sanitizeToolName(t.system.Name + "_" + t.endpoint.Name)
}

// Description combines the endpoint description with its usage hint.
func (t *EndpointTool) Description() string {
	desc := t.endpoint.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s on %s", t.endpoint.Method, t.endpoint.Path, t.system.Name)
	}
	if t.endpoint.WhenToUse != "" {
		desc += " Use when: " + t.endpoint.WhenToUse
	}
	return desc
}

// RiskLevel is the endpoint's configured risk grade.
func (t *EndpointTool) RiskLevel() models.RiskLevel {
	return t.endpoint.RiskLevel
}

// Schema merges the endpoint's path and query parameter schemas into one
// object schema; path parameters are required, and write methods add a
// nested "body" object described by the endpoint's body schema.
func (t *EndpointTool) Schema() json.RawMessage {
	properties := make(map[string]json.RawMessage)
	var required []string

	for name, schema := range decodeProperties(t.endpoint.PathParams) {
		properties[name] = schema
		required = append(required, name)
	}
	for name, schema := range decodeProperties(t.endpoint.QueryParams) {
		if _, taken := properties[name]; taken {
			continue
		}
		properties[name] = schema
	}
	if t.endpoint.Method.IsWrite() && len(t.endpoint.BodySchema) > 0 {
		properties["body"] = t.endpoint.BodySchema
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// Execute performs the HTTP call and returns "HTTP <status>" plus the
// (truncated) response body. Upstream non-2xx responses come back as
// error results the model can read and react to.
func (t *EndpointTool) Execute(ctx context.Context, params json.RawMessage) (*tools.ToolResult, error) {
	var args map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return tools.Errorf("invalid tool arguments: %v", err), nil
		}
	}

	reqURL, err := t.buildURL(args)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	var body io.Reader
	if t.endpoint.Method.IsWrite() {
		if raw, ok := args["body"]; ok {
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(t.endpoint.Method), reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	headers, err := t.resolver.Headers(ctx, t.system, t.endpoint, t.session)
	if err != nil {
		return tools.Errorf("resolve credentials: %v", err), nil
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return tools.Errorf("call %s: %v", t.system.Name, err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tools.Errorf("read response: %v", err), nil
	}

	content := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, respBody)
	if resp.StatusCode >= 400 {
		return &tools.ToolResult{Content: content, IsError: true}, nil
	}
	return &tools.ToolResult{Content: content}, nil
}

// buildURL substitutes path parameters and appends query parameters.
func (t *EndpointTool) buildURL(args map[string]json.RawMessage) (string, error) {
	path := t.endpoint.Path

	for name := range decodeProperties(t.endpoint.PathParams) {
		placeholder := "{" + name + "}"
		if !strings.Contains(path, placeholder) {
			continue
		}
		value, ok := args[name]
		if !ok {
			return "", fmt.Errorf("missing path parameter %q", name)
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(rawToString(value)))
	}
	if rest := strings.IndexByte(path, '{'); rest >= 0 {
		return "", fmt.Errorf("unresolved path parameter in %q", path)
	}

	query := url.Values{}
	for name := range decodeProperties(t.endpoint.QueryParams) {
		if value, ok := args[name]; ok {
			query.Set(name, rawToString(value))
		}
	}

	full := strings.TrimRight(t.system.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full, nil
}

// decodeProperties reads a JSON Schema "properties" fragment, returning
// the per-parameter schemas keyed by name.
func decodeProperties(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil
	}
	return props
}

// rawToString renders a JSON scalar for URL use; strings lose their
// quotes, everything else keeps its JSON form.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// sanitizeToolName lowercases and maps anything outside [a-z0-9_] to an
// underscore, collapsing runs.
func sanitizeToolName(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(sb.String(), "_")
}
