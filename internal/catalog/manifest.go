package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/tools"
)

// Manifest assembles the per-session tool set from the catalog. Each
// call re-reads the store so catalog edits take effect on the next turn
// without a restart.
type Manifest struct {
	store      storage.CatalogStore
	resolver   *AuthResolver
	httpClient *http.Client
	logger     *slog.Logger
}

// ManifestOption configures a Manifest.
type ManifestOption func(*Manifest)

// WithManifestHTTPClient overrides the client endpoint tools call with.
func WithManifestHTTPClient(client *http.Client) ManifestOption {
	return func(m *Manifest) { m.httpClient = client }
}

// WithManifestLogger sets the manifest logger.
func WithManifestLogger(logger *slog.Logger) ManifestOption {
	return func(m *Manifest) { m.logger = logger.With("component", "catalog") }
}

// NewManifest builds a manifest over the catalog store.
func NewManifest(store storage.CatalogStore, resolver *AuthResolver, opts ...ManifestOption) *Manifest {
	m := &Manifest{
		store:    store,
		resolver: resolver,
		logger:   slog.Default().With("component", "catalog"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: defaultCallTimeout}
	}
	return m
}

// ToolsFor returns the endpoint tools this session may call. An endpoint
// is included only when its system is active, the session's scopes allow
// the system, and the session holds every required permission.
func (m *Manifest) ToolsFor(ctx context.Context, sess *auth.Session) ([]tools.Tool, error) {
	systems, err := m.store.ListSystems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	bySystem := make(map[string]*models.ExternalSystem, len(systems))
	for _, sys := range systems {
		if sys.Status != models.SystemActive {
			continue
		}
		bySystem[sys.ID] = sys
	}

	endpoints, err := m.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var out []tools.Tool
	for _, ep := range endpoints {
		sys, ok := bySystem[ep.SystemID]
		if !ok {
			continue
		}
		if !sess.CanAccessSystem(ep.SystemID) {
			continue
		}
		if !sess.HasAllPermissions(ep.RequiredPermissions) {
			m.logger.Debug("endpoint filtered by permissions",
				"endpoint", ep.Name,
				"system", sys.Name,
				"user", sess.UserID)
			continue
		}
		out = append(out, NewEndpointTool(sys, ep, m.resolver, sess, m.httpClient))
	}
	return out, nil
}
