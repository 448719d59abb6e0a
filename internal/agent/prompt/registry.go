// Package prompt assembles the per-turn system prompt and tool manifest.
//
// Named section templates live in a Registry and are rendered with a
// minimal {{name}} substituter. The Enricher composes the sections in a
// fixed order so that identical inputs always produce an identical
// prompt.
package prompt

import (
	"regexp"
	"sort"
	"sync"
)

// Section names in composition order. Optional sections are skipped
// when the turn carries no content for them.
const (
	SectionIdentity           = "identity"
	SectionUserContext        = "user_context"
	SectionTools              = "tools"
	SectionWidgetInstructions = "widget_instructions"
	SectionGuidelines         = "guidelines"
	SectionKnowledge          = "knowledge"
	SectionFiles              = "files"
	SectionHistorySummary     = "history_summary"
	SectionFeedback           = "feedback"
)

const defaultIdentityTemplate = `You are {{agent_name}}, the operations assistant for {{org_name}}. You help employees get backoffice work done: answering questions from the knowledge base, looking up records in connected systems, and carrying out approved actions on their behalf. Be direct and concrete. When a request is ambiguous, ask one clarifying question instead of guessing.`

const defaultUserContextTemplate = `## User
{{user_details}}`

const defaultToolsTemplate = `## Available tools
{{tool_lines}}

Call a tool when it is the fastest way to a reliable answer. Never fabricate tool output. Destructive operations require explicit user confirmation before they run.`

const defaultWidgetTemplate = `## Interactive widgets
To render an interactive element, emit a widget block:

:::widget{type="confirm" id="w1"}
{"title": "Approve refund", "body": "Refund $42.10 to ACME Corp?"}
:::

The opening line carries space-separated key="value" attributes; the body is a single JSON object. Supported types: confirm, form, table, chart. Use a widget only when the interface needs structured user input; otherwise answer in plain text.`

const defaultGuidelinesTemplate = `## Guidelines
- Prefer retrieved knowledge and tool results over assumptions.
- Quote identifiers (ticket numbers, order ids) exactly as the systems return them.
- Summarize what a write operation will change before you do it.
- If a tool fails, report the failure plainly and suggest the next step.
- Never reveal credentials, tokens, or internal headers.`

const defaultKnowledgeTemplate = `## Retrieved knowledge
Use these excerpts when they answer the question and cite the document title.

{{knowledge}}`

const defaultFilesTemplate = `## Attached files
{{files}}`

const defaultHistorySummaryTemplate = `## Earlier conversation
{{summary}}`

const defaultFeedbackTemplate = `## Recent feedback
{{feedback}}`

// placeholderRegex matches {{name}} with optional inner whitespace.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Registry holds named prompt templates. Defaults cover every section;
// deployments may override any of them by name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewRegistry returns a registry seeded with the default section
// templates.
func NewRegistry() *Registry {
	return &Registry{templates: defaultTemplates()}
}

func defaultTemplates() map[string]string {
	return map[string]string{
		SectionIdentity:           defaultIdentityTemplate,
		SectionUserContext:        defaultUserContextTemplate,
		SectionTools:              defaultToolsTemplate,
		SectionWidgetInstructions: defaultWidgetTemplate,
		SectionGuidelines:         defaultGuidelinesTemplate,
		SectionKnowledge:          defaultKnowledgeTemplate,
		SectionFiles:              defaultFilesTemplate,
		SectionHistorySummary:     defaultHistorySummaryTemplate,
		SectionFeedback:           defaultFeedbackTemplate,
	}
}

// Register installs or replaces a template under name.
func (r *Registry) Register(name, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = template
}

// Apply resets the registry to the default sections and overlays the
// given overrides in one swap. An override dropped from the configuration
// reverts to its default on the next Apply.
func (r *Registry) Apply(overrides map[string]string) {
	next := defaultTemplates()
	for name, tmpl := range overrides {
		next[name] = tmpl
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = next
}

// Lookup returns the template registered under name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names lists registered template names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes vars into the named template. An unknown template
// renders as the empty string, as does an unknown placeholder.
func (r *Registry) Render(name string, vars map[string]string) string {
	tmpl, ok := r.Lookup(name)
	if !ok {
		return ""
	}
	return substitute(tmpl, vars)
}

// substitute replaces every {{key}} with vars[key]. Missing keys render
// as empty strings so optional placeholders never leak braces into the
// prompt.
func substitute(template string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRegex.FindStringSubmatch(match)[1]
		return vars[key]
	})
}
