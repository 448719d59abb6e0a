package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures the JWT verifier.
type Config struct {
	Secret      string
	TokenExpiry time.Duration
	// RolesClaim and PermissionsClaim name the token claims carrying the
	// user's roles and permissions; both support dot notation for nested
	// claims (e.g. "realm_access.roles").
	RolesClaim       string
	PermissionsClaim string
}

// Verifier signs and validates session tokens.
type Verifier struct {
	secret     []byte
	expiry     time.Duration
	rolesClaim string
	permsClaim string
}

// NewVerifier builds a token verifier. An empty secret disables it.
func NewVerifier(cfg Config) *Verifier {
	v := &Verifier{
		secret:     []byte(strings.TrimSpace(cfg.Secret)),
		expiry:     cfg.TokenExpiry,
		rolesClaim: cfg.RolesClaim,
		permsClaim: cfg.PermissionsClaim,
	}
	if v.rolesClaim == "" {
		v.rolesClaim = "roles"
	}
	if v.permsClaim == "" {
		v.permsClaim = "permissions"
	}
	return v
}

// Enabled reports whether tokens can be verified.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Generate issues a signed token for the session. Used by dev-mode login and
// by tests; production tokens come from the OIDC provider.
func (v *Verifier) Generate(session *Session) (string, error) {
	if !v.Enabled() {
		return "", ErrAuthDisabled
	}
	if session == nil || strings.TrimSpace(session.UserID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  session.UserID,
		"name": session.DisplayName,
		"iat":  jwt.NewNumericDate(now),
	}
	if session.Email != "" {
		claims["email"] = session.Email
	}
	if len(session.Roles) > 0 {
		claims[v.rolesClaim] = session.Roles
	}
	if len(session.Permissions) > 0 {
		claims[v.permsClaim] = session.Permissions
	}
	if len(session.Scopes.Systems) > 0 {
		claims["access_scopes"] = map[string]any{"systems": session.Scopes.Systems}
	}
	if v.expiry > 0 {
		claims["exp"] = jwt.NewNumericDate(now.Add(v.expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate parses a bearer token and maps its claims onto a Session.
func (v *Verifier) Validate(token string) (*Session, error) {
	if !v.Enabled() {
		return nil, ErrAuthDisabled
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return nil, ErrInvalidToken
	}

	session := &Session{
		UserID:      sub,
		RawClaims:   map[string]any(claims),
		Roles:       stringsAt(claims, v.rolesClaim),
		Permissions: stringsAt(claims, v.permsClaim),
	}
	session.DisplayName, _ = claims["name"].(string)
	session.Email, _ = claims["email"].(string)
	if scopes, ok := claims["access_scopes"].(map[string]any); ok {
		session.Scopes.Systems = toStrings(scopes["systems"])
	}
	return session, nil
}

// stringsAt resolves a dot-notation claim path to a string slice.
func stringsAt(claims map[string]any, path string) []string {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return toStrings(cur)
}

func toStrings(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, entry := range typed {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if typed == "" {
			return nil
		}
		// Space-separated claim values appear in some OIDC providers.
		return strings.Fields(typed)
	default:
		return nil
	}
}

func stringify(v any) string {
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}
