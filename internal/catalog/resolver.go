package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// AuthResolver builds the authentication and identity headers for a
// catalog call: the credential header per the system's auth type, plus
// one header per matching SSO attribute mapping.
type AuthResolver struct {
	store  storage.CatalogStore
	cipher *Cipher
}

// NewAuthResolver creates a resolver. cipher may be nil when no
// encryption key is configured; credential lookups then fail closed.
func NewAuthResolver(store storage.CatalogStore, cipher *Cipher) *AuthResolver {
	return &AuthResolver{store: store, cipher: cipher}
}

// Headers resolves every header for a call to the given system as the
// given session. Systems with auth type none and no credential on file
// still receive mapping headers.
func (r *AuthResolver) Headers(ctx context.Context, system *models.ExternalSystem, endpoint *models.ServiceEndpoint, sess *auth.Session) (map[string]string, error) {
	headers := make(map[string]string)

	if system.Auth.Type != models.AuthNone && system.Auth.Type != "" {
		name, value, err := r.credentialHeader(ctx, system)
		if err != nil {
			return nil, err
		}
		headers[name] = value
	}

	for _, m := range system.Mappings {
		if m.SystemID != "" && m.SystemID != system.ID {
			continue
		}
		value := sess.Claim(m.Claim)
		if value == "" {
			continue
		}
		headers[m.Header] = applyTransform(value, m.Transform)
	}

	return headers, nil
}

func (r *AuthResolver) credentialHeader(ctx context.Context, system *models.ExternalSystem) (string, string, error) {
	cred, err := r.store.GetCredentialBySystem(ctx, system.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", fmt.Errorf("no credential on file for system %s", system.Name)
		}
		return "", "", fmt.Errorf("load credential: %w", err)
	}
	if r.cipher == nil {
		return "", "", fmt.Errorf("credential encryption key not configured")
	}

	token, err := r.cipher.Open(cred.EncryptedValue)
	if err != nil {
		return "", "", fmt.Errorf("unseal credential: %w", err)
	}

	switch system.Auth.Type {
	case models.AuthBearer, models.AuthOAuth2:
		// oauth2 treats the stored token as a bearer token; the refresh
		// flow is an extension point.
		return "Authorization", "Bearer " + token, nil
	case models.AuthAPIKey:
		name := system.Auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		return name, token, nil
	case models.AuthBasic:
		// The stored token is assumed pre-encoded user:pass.
		return "Authorization", "Basic " + token, nil
	default:
		return "", "", fmt.Errorf("unsupported auth type %q", system.Auth.Type)
	}
}

// applyTransform rewrites a claim value per the mapping transform.
// Unknown transforms pass the value through unchanged.
func applyTransform(value, transform string) string {
	switch {
	case transform == "uppercase":
		return strings.ToUpper(value)
	case transform == "lowercase":
		return strings.ToLower(value)
	case transform == "base64":
		return base64.StdEncoding.EncodeToString([]byte(value))
	case strings.HasPrefix(transform, "prefix:"):
		return strings.TrimPrefix(transform, "prefix:") + value
	default:
		return value
	}
}
