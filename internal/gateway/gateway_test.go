package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/agent/prompt"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedProvider plays one chunk sequence per Complete call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.scripts) {
		return nil, fmt.Errorf("unexpected completion call %d", idx)
	}
	script := p.scripts[idx]
	ch := make(chan *llm.Chunk, len(script))
	for i := range script {
		ch <- &script[i]
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "fake" }
func (p *scriptedProvider) SupportsTools() bool { return true }
func (p *scriptedProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "fake-1", Name: "Fake One", ContextSize: 8192},
		{ID: "fake-mini", Name: "Fake Mini", ContextSize: 4096},
	}
}

type recordingTool struct {
	mu    sync.Mutex
	name  string
	risk  models.RiskLevel
	calls int
}

func (t *recordingTool) Name() string                { return t.name }
func (t *recordingTool) Description() string         { return "test tool" }
func (t *recordingTool) Schema() json.RawMessage     { return json.RawMessage(`{"type":"object"}`) }
func (t *recordingTool) RiskLevel() models.RiskLevel { return t.risk }

func (t *recordingTool) Execute(ctx context.Context, params json.RawMessage) (*tools.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return &tools.ToolResult{Content: `{"ok":true}`}, nil
}

func (t *recordingTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type fixedToolSource struct{ tools []tools.Tool }

func (s fixedToolSource) ToolsFor(ctx context.Context, sess *auth.Session) ([]tools.Tool, error) {
	return s.tools, nil
}

// testEnv wires a server over memory stores and a scripted model.
type testEnv struct {
	srv      *Server
	stores   storage.StoreSet
	provider *scriptedProvider
	verifier *auth.Verifier
	executor *agent.Executor
}

// defaultScript is a single-completion turn: two tokens then done.
func defaultScript() [][]llm.Chunk {
	return [][]llm.Chunk{{
		{Text: "Hello "},
		{Text: "there."},
		{Done: true, InputTokens: 10, OutputTokens: 3},
	}}
}

func newTestEnv(t *testing.T, toolset []tools.Tool, mutate ...func(*Config)) *testEnv {
	t.Helper()

	stores := storage.NewMemoryStores()
	provider := &scriptedProvider{scripts: defaultScript()}
	registry := llm.NewRegistry("fake")
	registry.Register(provider)

	var sources []prompt.ToolSource
	if len(toolset) > 0 {
		sources = append(sources, fixedToolSource{tools: toolset})
	}
	enricher := prompt.NewEnricher(nil, sources)
	executor := agent.NewExecutor(stores.Conversations, registry, enricher,
		agent.WithDefaultModel("fake-1"),
		agent.WithExecutorLogger(testLogger()))

	verifier := auth.NewVerifier(auth.Config{
		Secret:      "gateway-test-secret",
		TokenExpiry: time.Hour,
	})

	cfg := Config{
		Addr:     "127.0.0.1:0",
		Stores:   stores,
		Executor: executor,
		LLMs:     registry,
		Verifier: verifier,
		Logger:   testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{srv: srv, stores: stores, provider: provider, verifier: verifier, executor: executor}
}

func (env *testEnv) token(t *testing.T, sess *auth.Session) string {
	t.Helper()
	token, err := env.verifier.Generate(sess)
	if err != nil {
		t.Fatalf("Generate token: %v", err)
	}
	return token
}

func memberSession() *auth.Session {
	return &auth.Session{UserID: "user-1", Permissions: []string{"chat:send"}}
}

func adminSession() *auth.Session {
	return &auth.Session{UserID: "admin-1", Roles: []string{"admin"}, Permissions: []string{auth.WildcardPermission}}
}

// do runs one request through the full middleware stack.
func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  map[string]any
}

// parseSSE splits a recorded stream into frames, skipping comments.
func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				payload := strings.TrimPrefix(line, "data: ")
				if err := json.Unmarshal([]byte(payload), &frame.Data); err != nil {
					t.Fatalf("bad data line %q: %v", payload, err)
				}
			}
		}
		if frame.Event == "" {
			t.Fatalf("frame without event name: %q", block)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["version"] == "" {
		t.Error("version missing")
	}
}
