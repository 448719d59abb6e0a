package catalog

import (
	"context"
	"testing"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

func seedManifestFixture(t *testing.T) (*Manifest, *storage.MemoryCatalogStore) {
	t.Helper()
	resolver, store, _ := newTestResolver(t)
	ctx := context.Background()

	systems := []*models.ExternalSystem{
		{ID: "crm", Name: "crm", BaseURL: "https://crm.example.com", Auth: models.AuthConfig{Type: models.AuthNone}, Status: models.SystemActive},
		{ID: "hr", Name: "hr", BaseURL: "https://hr.example.com", Auth: models.AuthConfig{Type: models.AuthNone}, Status: models.SystemActive},
		{ID: "legacy", Name: "legacy", BaseURL: "https://legacy.example.com", Auth: models.AuthConfig{Type: models.AuthNone}, Status: models.SystemDisabled},
	}
	for _, sys := range systems {
		if err := store.CreateSystem(ctx, sys); err != nil {
			t.Fatalf("CreateSystem(%s) error: %v", sys.ID, err)
		}
	}

	endpoints := []*models.ServiceEndpoint{
		{ID: "ep-1", SystemID: "crm", Name: "list_accounts", Method: models.MethodGet, Path: "/accounts", RiskLevel: models.RiskRead, Enabled: true},
		{ID: "ep-2", SystemID: "crm", Name: "delete_account", Method: models.MethodDelete, Path: "/accounts/{id}", RiskLevel: models.RiskDestructive, RequiredPermissions: []string{"crm.admin"}, Enabled: true},
		{ID: "ep-3", SystemID: "hr", Name: "list_employees", Method: models.MethodGet, Path: "/employees", RiskLevel: models.RiskRead, Enabled: true},
		{ID: "ep-4", SystemID: "hr", Name: "disabled_op", Method: models.MethodGet, Path: "/old", RiskLevel: models.RiskRead, Enabled: false},
		{ID: "ep-5", SystemID: "legacy", Name: "legacy_op", Method: models.MethodGet, Path: "/x", RiskLevel: models.RiskRead, Enabled: true},
	}
	for _, ep := range endpoints {
		if err := store.CreateEndpoint(ctx, ep); err != nil {
			t.Fatalf("CreateEndpoint(%s) error: %v", ep.ID, err)
		}
	}
	return NewManifest(store, resolver), store
}

func TestManifestFullyPrivilegedSession(t *testing.T) {
	manifest, _ := seedManifestFixture(t)

	ts, err := manifest.ToolsFor(context.Background(), auth.NewDevSession(""))
	if err != nil {
		t.Fatalf("ToolsFor error: %v", err)
	}

	got := make(map[string]bool, len(ts))
	for _, tool := range ts {
		got[tool.Name()] = true
	}
	for _, want := range []string{"crm_list_accounts", "crm_delete_account", "hr_list_employees"} {
		if !got[want] {
			t.Fatalf("missing tool %q, got %v", want, got)
		}
	}
	if got["hr_disabled_op"] {
		t.Fatal("disabled endpoint surfaced as a tool")
	}
	if got["legacy_legacy_op"] {
		t.Fatal("endpoint of a disabled system surfaced as a tool")
	}
}

func TestManifestPermissionFilter(t *testing.T) {
	manifest, _ := seedManifestFixture(t)

	sess := &auth.Session{
		UserID:      "u-1",
		Permissions: []string{"catalog.read"},
	}
	ts, err := manifest.ToolsFor(context.Background(), sess)
	if err != nil {
		t.Fatalf("ToolsFor error: %v", err)
	}
	for _, tool := range ts {
		if tool.Name() == "crm_delete_account" {
			t.Fatal("endpoint requiring crm.admin surfaced without the permission")
		}
	}
	if len(ts) != 2 {
		t.Fatalf("got %d tools, want 2", len(ts))
	}
}

func TestManifestScopeFilter(t *testing.T) {
	manifest, _ := seedManifestFixture(t)

	sess := &auth.Session{
		UserID: "u-1",
		Scopes: auth.AccessScopes{Systems: []string{"hr"}},
	}
	ts, err := manifest.ToolsFor(context.Background(), sess)
	if err != nil {
		t.Fatalf("ToolsFor error: %v", err)
	}
	if len(ts) != 1 {
		t.Fatalf("got %d tools, want 1", len(ts))
	}
	if ts[0].Name() != "hr_list_employees" {
		t.Fatalf("tool = %q, want hr_list_employees", ts[0].Name())
	}
}

func TestManifestWildcardBypassesScopes(t *testing.T) {
	manifest, _ := seedManifestFixture(t)

	admin := &auth.Session{
		UserID:      "u-admin",
		Permissions: []string{auth.WildcardPermission},
		Scopes:      auth.AccessScopes{Systems: []string{"hr"}},
	}
	ts, err := manifest.ToolsFor(context.Background(), admin)
	if err != nil {
		t.Fatalf("ToolsFor error: %v", err)
	}
	got := make(map[string]bool, len(ts))
	for _, tool := range ts {
		got[tool.Name()] = true
	}
	if !got["crm_list_accounts"] || !got["hr_list_employees"] {
		t.Fatalf("wildcard session should see all active systems, got %v", got)
	}
}
