package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/tools"
)

const (
	// defaultKnowledgeMaxTokens bounds the retrieved-knowledge section.
	// Characters approximate tokens at 4 chars/token.
	defaultKnowledgeMaxTokens = 2000

	defaultKnowledgeTopK = 5

	// maxMemoryFacts caps how many remembered facts enter the prompt.
	maxMemoryFacts = 20
)

// ToolSource yields the tools a session may use. The catalog manifest,
// the builtin set, and the custom tool loader each implement it.
type ToolSource interface {
	ToolsFor(ctx context.Context, sess *auth.Session) ([]tools.Tool, error)
}

// FeedbackItem is one recent rating on an assistant answer.
type FeedbackItem struct {
	// Rating is "up" or "down".
	Rating string `json:"rating"`
	// Category names what the rating was about (accuracy, tone, ...).
	Category string `json:"category,omitempty"`
}

// Attachment carries the extracted text of an uploaded file.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// EnrichInput is everything a single turn contributes to the prompt.
type EnrichInput struct {
	Session        *auth.Session
	Message        string
	TopK           int
	Attachments    []Attachment
	HistorySummary string
	Feedback       []FeedbackItem
}

// TurnContext is the enricher's product: the rendered system prompt,
// the executable tools in manifest order, and their model-facing
// definitions in the same order.
type TurnContext struct {
	SystemPrompt string
	Tools        []tools.Tool
	Defs         []llm.ToolDef
}

// Tool returns the executable tool registered under name.
func (tc *TurnContext) Tool(name string) (tools.Tool, bool) {
	for _, t := range tc.Tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Enricher composes the system prompt sections and the tool manifest
// for one turn. Tool sources that fail are skipped with a warning so a
// degraded catalog never blocks chat.
type Enricher struct {
	registry           *Registry
	sources            []ToolSource
	memories           storage.UserMemoryStore
	knowledge          tools.KnowledgeSearcher
	agentName          string
	orgName            string
	knowledgeMaxTokens int
	logger             *slog.Logger
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithMemories adds remembered user facts to the user context section.
func WithMemories(store storage.UserMemoryStore) EnricherOption {
	return func(e *Enricher) { e.memories = store }
}

// WithKnowledge enables the retrieved-knowledge section.
func WithKnowledge(searcher tools.KnowledgeSearcher) EnricherOption {
	return func(e *Enricher) { e.knowledge = searcher }
}

// WithIdentity sets the persona variables of the identity section.
func WithIdentity(agentName, orgName string) EnricherOption {
	return func(e *Enricher) {
		if agentName != "" {
			e.agentName = agentName
		}
		if orgName != "" {
			e.orgName = orgName
		}
	}
}

// WithKnowledgeBudget sets the token budget of the knowledge section.
func WithKnowledgeBudget(maxTokens int) EnricherOption {
	return func(e *Enricher) {
		if maxTokens > 0 {
			e.knowledgeMaxTokens = maxTokens
		}
	}
}

// WithEnricherLogger sets the logger.
func WithEnricherLogger(logger *slog.Logger) EnricherOption {
	return func(e *Enricher) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEnricher builds an enricher over the given template registry and
// tool sources. A nil registry gets the defaults.
func NewEnricher(registry *Registry, sources []ToolSource, opts ...EnricherOption) *Enricher {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Enricher{
		registry:           registry,
		sources:            sources,
		agentName:          "Firefly",
		orgName:            "your organization",
		knowledgeMaxTokens: defaultKnowledgeMaxTokens,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich renders the system prompt and assembles the tool manifest for
// one turn.
func (e *Enricher) Enrich(ctx context.Context, in EnrichInput) (*TurnContext, error) {
	toolset := e.collectTools(ctx, in.Session)

	sections := make([]string, 0, 9)
	sections = append(sections, e.registry.Render(SectionIdentity, map[string]string{
		"agent_name": e.agentName,
		"org_name":   e.orgName,
	}))
	sections = append(sections, e.registry.Render(SectionUserContext, map[string]string{
		"user_details": e.userDetails(ctx, in.Session),
	}))
	sections = append(sections, e.registry.Render(SectionTools, map[string]string{
		"tool_lines": toolLines(toolset),
	}))
	sections = append(sections, e.registry.Render(SectionWidgetInstructions, nil))
	sections = append(sections, e.registry.Render(SectionGuidelines, nil))

	if knowledge := e.knowledgeSection(ctx, in); knowledge != "" {
		sections = append(sections, e.registry.Render(SectionKnowledge, map[string]string{
			"knowledge": knowledge,
		}))
	}
	if len(in.Attachments) > 0 {
		sections = append(sections, e.registry.Render(SectionFiles, map[string]string{
			"files": fileSection(in.Attachments),
		}))
	}
	if strings.TrimSpace(in.HistorySummary) != "" {
		sections = append(sections, e.registry.Render(SectionHistorySummary, map[string]string{
			"summary": strings.TrimSpace(in.HistorySummary),
		}))
	}
	if len(in.Feedback) > 0 {
		sections = append(sections, e.registry.Render(SectionFeedback, map[string]string{
			"feedback": summarizeFeedback(in.Feedback),
		}))
	}

	defs := make([]llm.ToolDef, 0, len(toolset))
	for _, t := range toolset {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}

	return &TurnContext{
		SystemPrompt: strings.Join(sections, "\n\n"),
		Tools:        toolset,
		Defs:         defs,
	}, nil
}

// collectTools gathers tools from every source in order, deduplicating
// by name (first registration wins).
func (e *Enricher) collectTools(ctx context.Context, sess *auth.Session) []tools.Tool {
	var out []tools.Tool
	seen := make(map[string]bool)
	for _, src := range e.sources {
		list, err := src.ToolsFor(ctx, sess)
		if err != nil {
			e.logger.Warn("tool source failed, continuing without it", "error", err)
			continue
		}
		for _, t := range list {
			if seen[t.Name()] {
				continue
			}
			seen[t.Name()] = true
			out = append(out, t)
		}
	}
	return out
}

// userDetails renders the user context body: identity lines from the
// session and up to maxMemoryFacts remembered facts.
func (e *Enricher) userDetails(ctx context.Context, sess *auth.Session) string {
	if sess == nil {
		return "Anonymous user."
	}
	var lines []string
	name := sess.DisplayName
	if name == "" {
		name = sess.UserID
	}
	lines = append(lines, "Name: "+name)
	if sess.Email != "" {
		lines = append(lines, "Email: "+sess.Email)
	}
	if len(sess.Roles) > 0 {
		lines = append(lines, "Roles: "+strings.Join(sess.Roles, ", "))
	}
	if dept := sess.Claim("department"); dept != "" {
		lines = append(lines, "Department: "+dept)
	}
	if title := sess.Claim("title"); title != "" {
		lines = append(lines, "Title: "+title)
	}

	if e.memories != nil {
		facts, err := e.memories.List(ctx, sess.UserID, "")
		if err != nil {
			e.logger.Warn("loading user memories failed", "user_id", sess.UserID, "error", err)
		} else if len(facts) > 0 {
			if len(facts) > maxMemoryFacts {
				facts = facts[len(facts)-maxMemoryFacts:]
			}
			lines = append(lines, "", "Known facts about this user:")
			for _, f := range facts {
				lines = append(lines, "- "+f.Content)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// knowledgeSection retrieves top-k chunks for the turn's message and
// formats them under document titles, bounded by the token budget.
func (e *Enricher) knowledgeSection(ctx context.Context, in EnrichInput) string {
	if e.knowledge == nil || strings.TrimSpace(in.Message) == "" {
		return ""
	}
	topK := in.TopK
	if topK <= 0 {
		topK = defaultKnowledgeTopK
	}
	results, err := e.knowledge.Retrieve(ctx, in.Message, topK, nil)
	if err != nil {
		e.logger.Warn("knowledge retrieval failed, continuing without it", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		title := r.Title
		if title == "" {
			title = "Untitled document"
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", title, r.Chunk))
	}
	return truncateChars(strings.Join(parts, "\n\n"), e.knowledgeMaxTokens*4)
}

func toolLines(toolset []tools.Tool) string {
	if len(toolset) == 0 {
		return "(no tools are available for this turn)"
	}
	lines := make([]string, 0, len(toolset))
	for _, t := range toolset {
		desc := t.Description()
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		lines = append(lines, "- "+t.Name()+": "+desc)
	}
	return strings.Join(lines, "\n")
}

func fileSection(attachments []Attachment) string {
	parts := make([]string, 0, len(attachments))
	for _, a := range attachments {
		name := a.Name
		if name == "" {
			name = "attachment"
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", name, a.Content))
	}
	return strings.Join(parts, "\n\n")
}

// summarizeFeedback aggregates recent ratings into overall and
// per-category up/down counts. Categories render in sorted order so the
// prompt stays deterministic.
func summarizeFeedback(items []FeedbackItem) string {
	var up, down int
	type counts struct{ up, down int }
	perCategory := make(map[string]*counts)
	for _, item := range items {
		c := perCategory[item.Category]
		if c == nil {
			c = &counts{}
			perCategory[item.Category] = c
		}
		switch item.Rating {
		case "up":
			up++
			c.up++
		case "down":
			down++
			c.down++
		}
	}

	summary := fmt.Sprintf("%d positive and %d negative ratings on recent answers.", up, down)
	categories := make([]string, 0, len(perCategory))
	for cat := range perCategory {
		if cat != "" {
			categories = append(categories, cat)
		}
	}
	if len(categories) == 0 {
		return summary
	}
	sort.Strings(categories)
	lines := []string{summary}
	for _, cat := range categories {
		c := perCategory[cat]
		lines = append(lines, fmt.Sprintf("- %s: %d up, %d down", cat, c.up, c.down))
	}
	return strings.Join(lines, "\n")
}

func truncateChars(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
