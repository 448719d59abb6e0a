package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
)

// minConfidence is the floor below which the classifier's tier is
// ignored in favor of the configured default.
const minConfidence = 0.5

// Decision is the routing outcome for one turn. A nil Decision means
// "no routing": the caller keeps its default model.
type Decision struct {
	Model               string                `json:"model"`
	Tier                models.ComplexityTier `json:"tier"`
	Confidence          float64               `json:"confidence"`
	Reasoning           string                `json:"reasoning"`
	ClassifierLatencyMs int64                 `json:"classifier_latency_ms"`
}

// Router grades a turn and maps its tier onto a model spec.
type Router struct {
	store      *Store
	classifier Classifier
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "routing")
		}
	}
}

// WithRouterMetrics wires decision counters.
func WithRouterMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterTracer emits a span per classifier call.
func WithRouterTracer(t *observability.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithRouterClock injects the latency clock.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter builds a router over the cached config store.
func NewRouter(store *Store, classifier Classifier, opts ...RouterOption) *Router {
	r := &Router{
		store:      store,
		classifier: classifier,
		logger:     slog.Default().With("component", "routing"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsEnabled reports whether routing is configured and switched on.
func (r *Router) IsEnabled(ctx context.Context) bool {
	cfg, err := r.store.Get(ctx)
	if err != nil || cfg == nil {
		return false
	}
	return cfg.Enabled && len(cfg.TierMappings) > 0
}

// Route decides the model for one turn. Returns nil when routing is
// disabled, unconfigured, or unable to produce a usable mapping; the
// classifier failing is not fatal and falls back to the default tier.
func (r *Router) Route(ctx context.Context, in Input) *Decision {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		r.logger.Warn("routing config unavailable", "error", err)
		return nil
	}
	if cfg == nil || !cfg.Enabled || len(cfg.TierMappings) == 0 {
		return nil
	}

	source := "classifier"
	start := r.now()
	clsCtx, span := r.tracer.Start(ctx, "routing.classify")
	cls, err := r.classifier.Classify(clsCtx, cfg.ClassifierModel, in)
	r.tracer.RecordError(span, err)
	span.End()
	latency := r.now().Sub(start).Milliseconds()
	if err != nil || cls == nil {
		r.logger.Warn("complexity classifier failed", "error", err)
		cls = &Classification{Tier: cfg.DefaultTier, Confidence: 0, Reasoning: "classifier error"}
		source = "default"
	}

	if cls.Confidence < minConfidence {
		cls.Tier = cfg.DefaultTier
		source = "default"
	}

	model, ok := cfg.TierMappings[cls.Tier]
	if !ok {
		model, ok = cfg.TierMappings[cfg.DefaultTier]
		if !ok {
			r.logger.Warn("no model mapped for tier", "tier", cls.Tier, "default_tier", cfg.DefaultTier)
			return nil
		}
		cls.Tier = cfg.DefaultTier
		source = "default"
	}

	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(string(cls.Tier), source)
	}
	r.logger.Debug("routing decision",
		"model", model,
		"tier", cls.Tier,
		"confidence", cls.Confidence,
		"latency_ms", latency)

	return &Decision{
		Model:               model,
		Tier:                cls.Tier,
		Confidence:          cls.Confidence,
		Reasoning:           cls.Reasoning,
		ClassifierLatencyMs: latency,
	}
}
