package catalog

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

func newTestResolver(t *testing.T) (*AuthResolver, *storage.MemoryCatalogStore, *Cipher) {
	t.Helper()
	cipher, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher error: %v", err)
	}
	store := storage.NewMemoryCatalogStore()
	return NewAuthResolver(store, cipher), store, cipher
}

func seedSystem(t *testing.T, store *storage.MemoryCatalogStore, cipher *Cipher, authType models.AuthType, secret string) *models.ExternalSystem {
	t.Helper()
	sys := &models.ExternalSystem{
		ID:      "sys-" + string(authType),
		Name:    "helpdesk",
		BaseURL: "https://helpdesk.example.com",
		Auth:    models.AuthConfig{Type: authType},
		Status:  models.SystemActive,
	}
	if err := store.CreateSystem(context.Background(), sys); err != nil {
		t.Fatalf("CreateSystem error: %v", err)
	}
	if secret != "" {
		sealed, err := cipher.Seal(secret)
		if err != nil {
			t.Fatalf("Seal error: %v", err)
		}
		cred := &models.Credential{ID: "cred-1", SystemID: sys.ID, EncryptedValue: sealed}
		if err := store.PutCredential(context.Background(), cred); err != nil {
			t.Fatalf("PutCredential error: %v", err)
		}
	}
	return sys
}

func TestResolverCredentialHeaders(t *testing.T) {
	tests := []struct {
		name       string
		authType   models.AuthType
		headerName string
		secret     string
		wantHeader string
		wantValue  string
	}{
		{
			name:       "bearer",
			authType:   models.AuthBearer,
			secret:     "tok-123",
			wantHeader: "Authorization",
			wantValue:  "Bearer tok-123",
		},
		{
			name:       "oauth2 uses bearer scheme",
			authType:   models.AuthOAuth2,
			secret:     "tok-oauth",
			wantHeader: "Authorization",
			wantValue:  "Bearer tok-oauth",
		},
		{
			name:       "api key default header",
			authType:   models.AuthAPIKey,
			secret:     "key-9",
			wantHeader: "X-API-Key",
			wantValue:  "key-9",
		},
		{
			name:       "api key custom header",
			authType:   models.AuthAPIKey,
			headerName: "X-Vendor-Token",
			secret:     "key-10",
			wantHeader: "X-Vendor-Token",
			wantValue:  "key-10",
		},
		{
			name:       "basic passes encoded pair",
			authType:   models.AuthBasic,
			secret:     base64.StdEncoding.EncodeToString([]byte("svc:hunter2")),
			wantHeader: "Authorization",
			wantValue:  "Basic " + base64.StdEncoding.EncodeToString([]byte("svc:hunter2")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, store, cipher := newTestResolver(t)
			sys := seedSystem(t, store, cipher, tt.authType, tt.secret)
			sys.Auth.HeaderName = tt.headerName

			headers, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, auth.NewDevSession(""))
			if err != nil {
				t.Fatalf("Headers error: %v", err)
			}
			if got := headers[tt.wantHeader]; got != tt.wantValue {
				t.Fatalf("header %s = %q, want %q", tt.wantHeader, got, tt.wantValue)
			}
		})
	}
}

func TestResolverAuthNoneSkipsCredentials(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)
	sys := seedSystem(t, store, cipher, models.AuthNone, "")

	headers, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, auth.NewDevSession(""))
	if err != nil {
		t.Fatalf("Headers error: %v", err)
	}
	if len(headers) != 0 {
		t.Fatalf("expected no headers for auth none, got %v", headers)
	}
}

func TestResolverMissingCredential(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)
	sys := seedSystem(t, store, cipher, models.AuthBearer, "")

	_, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, auth.NewDevSession(""))
	if err == nil {
		t.Fatal("expected error when no credential is stored")
	}
	if !strings.Contains(err.Error(), "no credential") {
		t.Fatalf("error = %v, want mention of missing credential", err)
	}
}

func TestResolverWithoutCipher(t *testing.T) {
	store := storage.NewMemoryCatalogStore()
	cipher, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher error: %v", err)
	}
	sys := seedSystem(t, store, cipher, models.AuthBearer, "tok")

	resolver := NewAuthResolver(store, nil)
	if _, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, auth.NewDevSession("")); err == nil {
		t.Fatal("expected error when encryption key is not configured")
	}
}

func TestResolverAttributeMappings(t *testing.T) {
	sess := &auth.Session{
		UserID:      "u-1",
		Permissions: []string{auth.WildcardPermission},
		RawClaims: map[string]any{
			"department": "Finance",
			"employee":   map[string]any{"cost_center": "cc-42"},
		},
	}

	tests := []struct {
		name     string
		mapping  models.AttributeMapping
		wantName string
		wantVal  string
	}{
		{
			name:     "passthrough",
			mapping:  models.AttributeMapping{Claim: "department", Header: "X-Department"},
			wantName: "X-Department",
			wantVal:  "Finance",
		},
		{
			name:     "uppercase",
			mapping:  models.AttributeMapping{Claim: "department", Header: "X-Dept", Transform: "uppercase"},
			wantName: "X-Dept",
			wantVal:  "FINANCE",
		},
		{
			name:     "lowercase",
			mapping:  models.AttributeMapping{Claim: "department", Header: "X-Dept", Transform: "lowercase"},
			wantName: "X-Dept",
			wantVal:  "finance",
		},
		{
			name:     "base64",
			mapping:  models.AttributeMapping{Claim: "department", Header: "X-Dept-B64", Transform: "base64"},
			wantName: "X-Dept-B64",
			wantVal:  base64.StdEncoding.EncodeToString([]byte("Finance")),
		},
		{
			name:     "prefix",
			mapping:  models.AttributeMapping{Claim: "department", Header: "X-Dept", Transform: "prefix:org-"},
			wantName: "X-Dept",
			wantVal:  "org-Finance",
		},
		{
			name:     "nested claim",
			mapping:  models.AttributeMapping{Claim: "employee.cost_center", Header: "X-Cost-Center"},
			wantName: "X-Cost-Center",
			wantVal:  "cc-42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, store, cipher := newTestResolver(t)
			sys := seedSystem(t, store, cipher, models.AuthNone, "")
			sys.Mappings = []models.AttributeMapping{tt.mapping}

			headers, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, sess)
			if err != nil {
				t.Fatalf("Headers error: %v", err)
			}
			if got := headers[tt.wantName]; got != tt.wantVal {
				t.Fatalf("header %s = %q, want %q", tt.wantName, got, tt.wantVal)
			}
		})
	}
}

func TestResolverMappingSystemFilter(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)
	sys := seedSystem(t, store, cipher, models.AuthNone, "")
	sys.Mappings = []models.AttributeMapping{
		{SystemID: "some-other-system", Claim: "department", Header: "X-Filtered"},
		{SystemID: sys.ID, Claim: "department", Header: "X-Scoped"},
		{Claim: "department", Header: "X-Global"},
	}

	sess := &auth.Session{
		UserID:    "u-1",
		RawClaims: map[string]any{"department": "IT"},
	}

	headers, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, sess)
	if err != nil {
		t.Fatalf("Headers error: %v", err)
	}
	if _, ok := headers["X-Filtered"]; ok {
		t.Fatal("mapping scoped to another system was applied")
	}
	if headers["X-Scoped"] != "IT" {
		t.Fatalf("X-Scoped = %q, want %q", headers["X-Scoped"], "IT")
	}
	if headers["X-Global"] != "IT" {
		t.Fatalf("X-Global = %q, want %q", headers["X-Global"], "IT")
	}
}

func TestResolverSkipsEmptyClaims(t *testing.T) {
	resolver, store, cipher := newTestResolver(t)
	sys := seedSystem(t, store, cipher, models.AuthNone, "")
	sys.Mappings = []models.AttributeMapping{
		{Claim: "missing_claim", Header: "X-Missing"},
	}

	headers, err := resolver.Headers(context.Background(), sys, &models.ServiceEndpoint{}, auth.NewDevSession(""))
	if err != nil {
		t.Fatalf("Headers error: %v", err)
	}
	if _, ok := headers["X-Missing"]; ok {
		t.Fatal("header was set from an absent claim")
	}
}
