package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/models"
)

// classifierSystemPrompt pins the classifier to machine-readable output.
const classifierSystemPrompt = `You grade the complexity of a user request for a backoffice assistant.

Reply with ONLY a JSON object, no prose, no markdown:
{"tier":"fast|balanced|powerful","confidence":0.0,"reasoning":"one short sentence"}

fast: greetings, small talk, single factual lookups.
balanced: multi-step answers, one or two tool calls, moderate synthesis.
powerful: deep analysis, many tools, long documents, ambiguous multi-system work.`

// classifierMaxTokens keeps the grading call short and cheap.
const classifierMaxTokens = 200

// Input bundles the routing signals for one turn.
type Input struct {
	Message   string
	ToolCount int
	ToolNames []string
	TurnCount int
}

// Classification is the classifier's verdict before config policy is
// applied.
type Classification struct {
	Tier       models.ComplexityTier `json:"tier"`
	Confidence float64               `json:"confidence"`
	Reasoning  string                `json:"reasoning"`
}

// Classifier grades one turn. model is the configured classifier model
// spec; implementations that do not call a model may ignore it.
type Classifier interface {
	Classify(ctx context.Context, model string, in Input) (*Classification, error)
}

// LLMClassifier grades turns with a single non-streaming completion.
type LLMClassifier struct {
	registry *llm.Registry
}

// NewLLMClassifier builds a classifier over the provider registry.
func NewLLMClassifier(registry *llm.Registry) *LLMClassifier {
	return &LLMClassifier{registry: registry}
}

func (c *LLMClassifier) Classify(ctx context.Context, model string, in Input) (*Classification, error) {
	provider, modelID, err := c.registry.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("resolve classifier model: %w", err)
	}

	resp, err := llm.Collect(ctx, provider, &llm.Request{
		Model:     modelID,
		System:    classifierSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: formatClassifierInput(in)}},
		MaxTokens: classifierMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier completion: %w", err)
	}

	return parseClassification(resp.Text)
}

func formatClassifierInput(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message: %s\n", in.Message)
	fmt.Fprintf(&sb, "Enabled tools: %d", in.ToolCount)
	if len(in.ToolNames) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(in.ToolNames, ", "))
	}
	fmt.Fprintf(&sb, "\nTurn number: %d", in.TurnCount)
	return sb.String()
}

// parseClassification accepts the raw model reply. Models wrap JSON in
// code fences or prose often enough that the parser extracts the first
// top-level object instead of trusting the whole reply.
func parseClassification(text string) (*Classification, error) {
	payload := extractJSONObject(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in classifier reply")
	}

	var cls Classification
	if err := json.Unmarshal([]byte(payload), &cls); err != nil {
		return nil, fmt.Errorf("parse classifier reply: %w", err)
	}
	if !cls.Tier.IsValid() {
		return nil, fmt.Errorf("unknown tier %q", cls.Tier)
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	return &cls, nil
}

// extractJSONObject returns the substring spanning the first '{' through
// the last '}', which survives code fences and stray prose on either
// side.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
