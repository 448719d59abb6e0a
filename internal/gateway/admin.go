package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/models"
)

// llmProbeTimeout bounds the status endpoint's one-token completion.
const llmProbeTimeout = 10 * time.Second

// handleRoutingGet returns the model-routing configuration. With nothing
// stored yet, routing is reported disabled.
func (s *Server) handleRoutingGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Routing == nil {
		jsonError(w, "routing not configured", http.StatusServiceUnavailable)
		return
	}
	cfg, err := s.cfg.Routing.Get(r.Context())
	if err != nil {
		s.storeError(w, "get routing config", err)
		return
	}
	if cfg == nil {
		cfg = &models.RoutingConfig{Enabled: false, DefaultTier: models.TierBalanced}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleRoutingPut replaces the model-routing configuration and drops
// the read cache so the next turn sees it.
func (s *Server) handleRoutingPut(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Routing == nil {
		jsonError(w, "routing not configured", http.StatusServiceUnavailable)
		return
	}

	var cfg models.RoutingConfig
	if err := decodeJSON(r, &cfg); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cfg.Enabled {
		if !cfg.DefaultTier.IsValid() {
			jsonError(w, "default_tier must be one of fast, balanced, powerful", http.StatusBadRequest)
			return
		}
		for tier := range cfg.TierMappings {
			if !tier.IsValid() {
				jsonError(w, "tier_mappings keys must be fast, balanced or powerful", http.StatusBadRequest)
				return
			}
		}
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.cfg.Routing.Put(r.Context(), &cfg); err != nil {
		s.storeError(w, "put routing config", err)
		return
	}
	if s.cfg.Recorder != nil {
		sess, _ := auth.SessionFromContext(r.Context())
		s.cfg.Recorder.RecordConfigChange(sess.UserID, "model_routing", map[string]any{
			"enabled": cfg.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, &cfg)
}

// llmStatusResponse is the public LLM health shape.
type llmStatusResponse struct {
	Provider       string   `json:"provider"`
	Type           string   `json:"type"`
	ActiveModel    string   `json:"active_model"`
	Available      bool     `json:"available"`
	LatencyMS      int64    `json:"latency_ms"`
	FallbackModels []string `json:"fallback_models"`
	Error          string   `json:"error,omitempty"`
}

// handleLLMStatus probes the default provider with a one-token
// completion and reports what is serving.
func (s *Server) handleLLMStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LLMs == nil {
		jsonError(w, "no llm providers configured", http.StatusServiceUnavailable)
		return
	}
	provider, err := s.cfg.LLMs.Default()
	if err != nil {
		jsonError(w, "no llm providers configured", http.StatusServiceUnavailable)
		return
	}

	resp := llmStatusResponse{
		Provider:       provider.Name(),
		Type:           provider.Name(),
		FallbackModels: []string{},
	}
	modelList := provider.Models()
	if len(modelList) > 0 {
		resp.ActiveModel = modelList[0].ID
		for _, m := range modelList[1:] {
			resp.FallbackModels = append(resp.FallbackModels, m.ID)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), llmProbeTimeout)
	defer cancel()

	started := time.Now()
	_, probeErr := llm.Collect(ctx, provider, &llm.Request{
		Model:     resp.ActiveModel,
		Messages:  []llm.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	resp.LatencyMS = time.Since(started).Milliseconds()
	resp.Available = probeErr == nil
	if probeErr != nil {
		resp.Error = "probe failed"
		s.logger.Warn("llm status probe failed", "provider", resp.Provider, "error", probeErr)
	}

	writeJSON(w, http.StatusOK, resp)
}
