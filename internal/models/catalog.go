package models

import (
	"encoding/json"
	"time"
)

// RiskLevel grades the blast radius of invoking a service endpoint.
// high_write and destructive calls require explicit user confirmation.
type RiskLevel string

const (
	RiskRead        RiskLevel = "read"
	RiskLowWrite    RiskLevel = "low_write"
	RiskHighWrite   RiskLevel = "high_write"
	RiskDestructive RiskLevel = "destructive"
)

// RequiresConfirmation reports whether a call at this risk level must be
// confirmed by the user before execution.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHighWrite || r == RiskDestructive
}

// AuthType selects how credentials are attached to outbound requests.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
	AuthNone   AuthType = "none"
)

// HTTPMethod is the verb of a catalog endpoint.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// IsWrite reports whether the method carries a request body.
func (m HTTPMethod) IsWrite() bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// SystemStatus tracks whether a catalog system is usable.
type SystemStatus string

const (
	SystemActive   SystemStatus = "active"
	SystemDisabled SystemStatus = "disabled"
)

// AuthConfig describes how to authenticate against an external system.
type AuthConfig struct {
	Type AuthType `json:"type"`
	// HeaderName is the custom header for api_key auth.
	HeaderName string `json:"header_name,omitempty"`
}

// AttributeMapping forwards an SSO claim as an HTTP header on catalog calls.
// Transform is one of "", "uppercase", "lowercase", "base64" or "prefix:X".
type AttributeMapping struct {
	ID        string `json:"id"`
	SystemID  string `json:"system_id,omitempty"` // empty = all systems
	Claim     string `json:"claim"`               // dot-notation path into raw claims
	Header    string `json:"header"`
	Transform string `json:"transform,omitempty"`
}

// ExternalSystem is an entry in the service catalog.
type ExternalSystem struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	BaseURL     string             `json:"base_url"`
	Auth        AuthConfig         `json:"auth_config"`
	Status      SystemStatus       `json:"status"`
	Tags        []string           `json:"tags,omitempty"`
	Mappings    []AttributeMapping `json:"attribute_mappings,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ServiceEndpoint is one callable operation of an external system.
type ServiceEndpoint struct {
	ID                  string          `json:"id"`
	SystemID            string          `json:"system_id"`
	Name                string          `json:"name"`
	Method              HTTPMethod      `json:"method"`
	Path                string          `json:"path"`
	Description         string          `json:"description,omitempty"`
	RiskLevel           RiskLevel       `json:"risk_level"`
	RequiredPermissions []string        `json:"required_permissions,omitempty"`
	WhenToUse           string          `json:"when_to_use,omitempty"`
	Examples            []string        `json:"examples,omitempty"`
	PathParams          json.RawMessage `json:"path_params,omitempty"`
	QueryParams         json.RawMessage `json:"query_params,omitempty"`
	BodySchema          json.RawMessage `json:"body_schema,omitempty"`
	Enabled             bool            `json:"enabled"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Credential holds an encrypted secret for one external system.
// The plaintext is write-only: sealed before persistence, decrypted only at
// call time, never logged.
type Credential struct {
	ID             string     `json:"id"`
	SystemID       string     `json:"system_id"`
	EncryptedValue string     `json:"-"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CustomTool is a user-defined tool executed in a subprocess sandbox.
type CustomTool struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"` // unique
	Description  string          `json:"description,omitempty"`
	Language     string          `json:"language,omitempty"` // defaults to python
	Code         string          `json:"code"`
	ParamsSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	TimeoutSecs  int             `json:"timeout_seconds,omitempty"`
	MemoryMB     int             `json:"memory_mb,omitempty"`
	Enabled      bool            `json:"enabled"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
