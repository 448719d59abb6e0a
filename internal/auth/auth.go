// Package auth verifies caller identity and carries the resolved session
// through request contexts. Authorization decisions (permissions, system
// scopes) live on the Session so the catalog and prompt layers can filter
// without re-parsing tokens.
package auth

import (
	"errors"
	"strings"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// WildcardPermission grants every endpoint regardless of its
// required_permissions list.
const WildcardPermission = "*"

// AccessScopes restricts which external systems a user may reach. An empty
// Systems list means unrestricted.
type AccessScopes struct {
	Systems []string `json:"systems,omitempty"`
}

// Session is the verified identity of a caller for one request.
type Session struct {
	UserID      string
	DisplayName string
	Email       string
	Roles       []string
	Permissions []string
	Scopes      AccessScopes
	// RawClaims holds the full token claim set for SSO attribute mappings.
	RawClaims map[string]any
}

// HasPermission reports whether the session carries perm or the wildcard.
func (s *Session) HasPermission(perm string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		if p == WildcardPermission || p == perm {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every listed permission is granted.
// An empty list is always satisfied.
func (s *Session) HasAllPermissions(perms []string) bool {
	for _, p := range perms {
		if !s.HasPermission(p) {
			return false
		}
	}
	return true
}

// CanAccessSystem reports whether the session's scopes admit the system.
// Empty scopes admit everything, and the wildcard permission overrides
// any scope restriction.
func (s *Session) CanAccessSystem(systemID string) bool {
	if s == nil {
		return false
	}
	if s.HasPermission(WildcardPermission) {
		return true
	}
	if len(s.Scopes.Systems) == 0 {
		return true
	}
	for _, id := range s.Scopes.Systems {
		if id == systemID {
			return true
		}
	}
	return false
}

// HasRole reports whether the session carries the named role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claim resolves a dot-notation path into the raw claim set, e.g.
// "department" or "employee.cost_center". Returns "" when the path does not
// resolve to a scalar.
func (s *Session) Claim(path string) string {
	if s == nil || len(s.RawClaims) == 0 || path == "" {
		return ""
	}
	var cur any = s.RawClaims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64, int, int64, bool:
		return stringify(v)
	default:
		return ""
	}
}

// NewDevSession returns a fully privileged session for dev-mode startup
// where no identity provider is configured.
func NewDevSession(userID string) *Session {
	if userID == "" {
		userID = "dev-user"
	}
	return &Session{
		UserID:      userID,
		DisplayName: "Developer",
		Roles:       []string{"admin"},
		Permissions: []string{WildcardPermission},
	}
}
