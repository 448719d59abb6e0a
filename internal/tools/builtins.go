package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/knowledge"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// KnowledgeSearcher is the retrieval surface the builtin tools use.
// *knowledge.Retriever satisfies it.
type KnowledgeSearcher interface {
	Retrieve(ctx context.Context, query string, topK int, tagFilter []string) ([]knowledge.Retrieved, error)
}

// BuiltinDeps carries the collaborators behind the builtin tools.
type BuiltinDeps struct {
	Memories  storage.UserMemoryStore
	Catalog   storage.CatalogStore
	Knowledge KnowledgeSearcher
	Version   string
	StartedAt time.Time
}

// Builtins returns the always-available tools bound to one session.
// They bypass catalog permission filtering: every authenticated user
// may remember facts, search knowledge and inspect the platform.
func Builtins(deps BuiltinDeps, sess *auth.Session) []Tool {
	return []Tool{
		&rememberFactTool{deps: deps, sess: sess},
		&searchKnowledgeTool{deps: deps},
		&listCatalogSystemsTool{deps: deps},
		&searchProcessesTool{deps: deps},
		&platformStatusTool{deps: deps},
	}
}

// reflectSchema derives a JSON Schema from a params struct. Meta keys
// confuse some model providers, so they are stripped.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	delete(m, "$schema")
	delete(m, "$id")
	cleaned, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return cleaned
}

type rememberFactParams struct {
	Fact     string `json:"fact" jsonschema:"description=The fact to remember about this user"`
	Category string `json:"category,omitempty" jsonschema:"description=One of general, preference, fact or workflow"`
}

// rememberFactTool persists a user-scoped memory the agent can recall in
// later conversations.
type rememberFactTool struct {
	deps BuiltinDeps
	sess *auth.Session
}

func (t *rememberFactTool) Name() string { return "remember_fact" }

func (t *rememberFactTool) Description() string {
	return "Store a fact about the current user for future conversations, such as a preference or recurring context."
}

func (t *rememberFactTool) Schema() json.RawMessage { return reflectSchema(&rememberFactParams{}) }

func (t *rememberFactTool) RiskLevel() models.RiskLevel { return models.RiskLowWrite }

func (t *rememberFactTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var p rememberFactParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(p.Fact) == "" {
		return Errorf("fact is required"), nil
	}
	if t.sess == nil || t.sess.UserID == "" {
		return Errorf("no user session"), nil
	}

	category := models.MemoryFact
	switch models.MemoryCategory(p.Category) {
	case models.MemoryGeneral, models.MemoryPreference, models.MemoryFact, models.MemoryWorkflow:
		category = models.MemoryCategory(p.Category)
	case "":
	default:
		return Errorf("unknown category %q", p.Category), nil
	}

	now := time.Now().UTC()
	mem := &models.UserMemory{
		ID:        uuid.NewString(),
		UserID:    t.sess.UserID,
		Content:   strings.TrimSpace(p.Fact),
		Category:  category,
		Source:    models.MemoryFromAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.deps.Memories.Create(ctx, mem); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	return &ToolResult{Content: "Remembered: " + mem.Content}, nil
}

type searchKnowledgeParams struct {
	Query string   `json:"query" jsonschema:"description=Natural language search query"`
	TopK  int      `json:"top_k,omitempty" jsonschema:"description=Maximum number of passages to return"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Restrict to documents carrying any of these tags"`
}

// searchKnowledgeTool answers questions from the indexed document corpus.
type searchKnowledgeTool struct {
	deps BuiltinDeps
}

func (t *searchKnowledgeTool) Name() string { return "search_knowledge" }

func (t *searchKnowledgeTool) Description() string {
	return "Search the internal knowledge base for relevant passages. Use for questions about policies, procedures and documentation."
}

func (t *searchKnowledgeTool) Schema() json.RawMessage { return reflectSchema(&searchKnowledgeParams{}) }

func (t *searchKnowledgeTool) RiskLevel() models.RiskLevel { return models.RiskRead }

func (t *searchKnowledgeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var p searchKnowledgeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return Errorf("query is required"), nil
	}

	results, err := t.deps.Knowledge.Retrieve(ctx, p.Query, p.TopK, p.Tags)
	if err != nil {
		return Errorf("knowledge search failed: %v", err), nil
	}
	return &ToolResult{Content: formatRetrieved(results)}, nil
}

type searchProcessesParams struct {
	Query string `json:"query" jsonschema:"description=Describe the business process you are looking for"`
}

// searchProcessesTool retrieves discovered business process summaries.
type searchProcessesTool struct {
	deps BuiltinDeps
}

func (t *searchProcessesTool) Name() string { return "search_processes" }

func (t *searchProcessesTool) Description() string {
	return "Search documented business processes discovered from the service catalog, such as onboarding or refund flows."
}

func (t *searchProcessesTool) Schema() json.RawMessage { return reflectSchema(&searchProcessesParams{}) }

func (t *searchProcessesTool) RiskLevel() models.RiskLevel { return models.RiskRead }

func (t *searchProcessesTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var p searchProcessesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return Errorf("query is required"), nil
	}

	results, err := t.deps.Knowledge.Retrieve(ctx, p.Query, 0, []string{knowledge.ProcessTag})
	if err != nil {
		return Errorf("process search failed: %v", err), nil
	}
	return &ToolResult{Content: formatRetrieved(results)}, nil
}

// formatRetrieved renders retrieval hits as a numbered list the model can
// cite from.
func formatRetrieved(results []knowledge.Retrieved) string {
	if len(results) == 0 {
		return "No matching results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s (relevance %.2f)\n%s", i+1, r.Title, r.Score, r.Chunk)
	}
	return sb.String()
}

type listCatalogSystemsParams struct{}

// listCatalogSystemsTool summarizes the connected external systems.
type listCatalogSystemsTool struct {
	deps BuiltinDeps
}

func (t *listCatalogSystemsTool) Name() string { return "list_catalog_systems" }

func (t *listCatalogSystemsTool) Description() string {
	return "List the external systems connected to this platform with their status and available operations."
}

func (t *listCatalogSystemsTool) Schema() json.RawMessage {
	return reflectSchema(&listCatalogSystemsParams{})
}

func (t *listCatalogSystemsTool) RiskLevel() models.RiskLevel { return models.RiskRead }

func (t *listCatalogSystemsTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	systems, err := t.deps.Catalog.ListSystems(ctx)
	if err != nil {
		return Errorf("list systems failed: %v", err), nil
	}

	type systemSummary struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Status      string   `json:"status"`
		Tags        []string `json:"tags,omitempty"`
		Operations  []string `json:"operations,omitempty"`
	}
	out := make([]systemSummary, 0, len(systems))
	for _, sys := range systems {
		summary := systemSummary{
			Name:        sys.Name,
			Description: sys.Description,
			Status:      string(sys.Status),
			Tags:        sys.Tags,
		}
		endpoints, err := t.deps.Catalog.ListEndpoints(ctx, sys.ID)
		if err != nil {
			return Errorf("list endpoints failed: %v", err), nil
		}
		for _, ep := range endpoints {
			if ep.Enabled {
				summary.Operations = append(summary.Operations, ep.Name)
			}
		}
		out = append(out, summary)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal systems: %w", err)
	}
	return &ToolResult{Content: string(data)}, nil
}

type platformStatusParams struct{}

// platformStatusTool reports liveness facts about this deployment.
type platformStatusTool struct {
	deps BuiltinDeps
}

func (t *platformStatusTool) Name() string { return "platform_status" }

func (t *platformStatusTool) Description() string {
	return "Report the platform version, uptime and catalog size."
}

func (t *platformStatusTool) Schema() json.RawMessage { return reflectSchema(&platformStatusParams{}) }

func (t *platformStatusTool) RiskLevel() models.RiskLevel { return models.RiskRead }

func (t *platformStatusTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	status := map[string]any{
		"version": t.deps.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if !t.deps.StartedAt.IsZero() {
		status["uptime_seconds"] = int(time.Since(t.deps.StartedAt).Seconds())
	}
	if t.deps.Catalog != nil {
		if systems, err := t.deps.Catalog.ListSystems(ctx); err == nil {
			status["systems"] = len(systems)
		}
		if endpoints, err := t.deps.Catalog.ListEnabledEndpoints(ctx); err == nil {
			status["enabled_endpoints"] = len(endpoints)
		}
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	return &ToolResult{Content: string(data)}, nil
}
