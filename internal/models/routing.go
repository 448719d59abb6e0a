package models

import (
	"time"
)

// ComplexityTier labels a model capability class.
type ComplexityTier string

const (
	TierFast     ComplexityTier = "fast"
	TierBalanced ComplexityTier = "balanced"
	TierPowerful ComplexityTier = "powerful"
)

// IsValid reports whether t is one of the known tiers.
func (t ComplexityTier) IsValid() bool {
	switch t {
	case TierFast, TierBalanced, TierPowerful:
		return true
	}
	return false
}

// RoutingConfig is the singleton configuration for the two-tier model
// router. Any update invalidates the in-memory cache.
type RoutingConfig struct {
	Enabled         bool                      `json:"enabled"`
	ClassifierModel string                    `json:"classifier_model"`
	DefaultTier     ComplexityTier            `json:"default_tier"`
	TierMappings    map[ComplexityTier]string `json:"tier_mappings"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}
