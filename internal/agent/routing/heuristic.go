package routing

import (
	"context"
	"regexp"
	"strings"

	"github.com/fireflydesk/flydesk/internal/models"
)

var (
	codeRegex    = regexp.MustCompile("(?i)\\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\\b")
	reasonRegex  = regexp.MustCompile("(?i)\\b(analyze|compare|investigate|reconcile|audit|why|tradeoff|root cause)\\b")
	quickRegex   = regexp.MustCompile("(?i)\\b(what is|define|quick|brief|status of|when is)\\b")
	markdownCode = regexp.MustCompile("```")
)

// HeuristicClassifier grades turns from content signals alone, with no
// model call. It backs dev deployments that have no classifier model
// configured.
type HeuristicClassifier struct{}

func (c *HeuristicClassifier) Classify(ctx context.Context, model string, in Input) (*Classification, error) {
	content := strings.TrimSpace(in.Message)
	if content == "" {
		return &Classification{Tier: models.TierFast, Confidence: 0.9, Reasoning: "empty message"}, nil
	}

	switch {
	case markdownCode.MatchString(content) || codeRegex.MatchString(content):
		return &Classification{Tier: models.TierPowerful, Confidence: 0.7, Reasoning: "code content"}, nil
	case reasonRegex.MatchString(content) || len(content) > 600 || in.ToolCount > 8:
		return &Classification{Tier: models.TierPowerful, Confidence: 0.6, Reasoning: "analysis request"}, nil
	case quickRegex.MatchString(content) && len(content) < 120:
		return &Classification{Tier: models.TierFast, Confidence: 0.8, Reasoning: "short factual query"}, nil
	case len(content) < 80 && in.ToolCount == 0:
		return &Classification{Tier: models.TierFast, Confidence: 0.6, Reasoning: "short message, no tools"}, nil
	default:
		return &Classification{Tier: models.TierBalanced, Confidence: 0.55, Reasoning: "no strong signals"}, nil
	}
}
