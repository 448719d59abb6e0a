package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fireflydesk/flydesk/internal/config"
)

// Registry holds the configured providers and resolves model specs of the
// form "model" or "provider:model" to a backend.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry. defaultName selects the provider
// used for bare model specs; empty falls back to the first registration.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// NewRegistryFromConfig builds a registry from the LLM config section.
// Providers without an API key are skipped rather than failing startup,
// so a deployment can run with a single vendor configured.
func NewRegistryFromConfig(cfg config.LLMConfig) (*Registry, error) {
	reg := NewRegistry(cfg.DefaultProvider)

	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		switch name {
		case "openai":
			reg.Register(NewOpenAIProvider(OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			}))
		case "anthropic":
			p, err := NewAnthropicProvider(AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			reg.Register(p)
		default:
			return nil, fmt.Errorf("llm: unsupported provider %q", name)
		}
	}

	return reg, nil
}

// Register adds a provider, replacing any existing one of the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// Provider returns the named backend.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the default backend.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	// Default name not registered; fall back deterministically.
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return r.providers[names[0]], nil
}

// Resolve maps a model spec to a provider and bare model id. A
// "provider:" prefix is honored only when that provider is registered;
// otherwise the whole spec is treated as a model on the default backend,
// since bare model ids may legally contain colons.
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	if prefix, rest, ok := strings.Cut(spec, ":"); ok {
		if p, err := r.Provider(prefix); err == nil {
			return p, rest, nil
		}
	}

	p, err := r.Default()
	if err != nil {
		return nil, "", err
	}
	return p, spec, nil
}

// ProviderStatus summarizes one backend for the status endpoint.
type ProviderStatus struct {
	Name      string  `json:"name"`
	Default   bool    `json:"default"`
	ToolUse   bool    `json:"tool_use"`
	Models    []Model `json:"models"`
	Available bool    `json:"available"`
}

// Statuses reports every registered backend, sorted by name.
func (r *Registry) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		p := r.providers[name]
		out = append(out, ProviderStatus{
			Name:      name,
			Default:   name == r.defaultName,
			ToolUse:   p.SupportsTools(),
			Models:    p.Models(),
			Available: true,
		})
	}
	return out
}
