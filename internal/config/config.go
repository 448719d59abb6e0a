// Package config loads and validates the Firefly Desk configuration from
// a YAML file, environment variables, or both.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VectorBackends lists the accepted values for vector_store.
var VectorBackends = []string{"pgvector", "chromadb", "pinecone", "sqlite", "memory"}

// Config is the root configuration for Firefly Desk.
type Config struct {
	DevMode     bool              `yaml:"dev_mode"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Audit       AuditConfig       `yaml:"audit"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Files       FilesConfig       `yaml:"files"`
	Agent       AgentConfig       `yaml:"agent"`
	Workflows   WorkflowsConfig   `yaml:"workflows"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Callbacks   CallbacksConfig   `yaml:"callbacks"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Channels    ChannelsConfig    `yaml:"channels"`
	// Prompts overrides named prompt sections (identity, guidelines, ...).
	// Reapplied on config reload when serve runs with --reload.
	Prompts map[string]string `yaml:"prompts"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	// JWTSecret signs dev-mode session tokens. Production deployments use
	// OIDC and verify against the issuer instead.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	OIDC        OIDCConfig    `yaml:"oidc"`
}

type OIDCConfig struct {
	Issuer           string `yaml:"issuer"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	Scopes           string `yaml:"scopes"`
	RedirectURI      string `yaml:"redirect_uri"`
	RolesClaim       string `yaml:"roles_claim"`
	PermissionsClaim string `yaml:"permissions_claim"`
	ProviderType     string `yaml:"provider_type"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// EmbeddingConfig selects the embedding model as "provider:model".
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// Provider returns the provider half of Model, or "" when unset.
func (e EmbeddingConfig) Provider() string {
	provider, _, _ := strings.Cut(e.Model, ":")
	return provider
}

// ModelName returns the model half of Model, or "" when unset.
func (e EmbeddingConfig) ModelName() string {
	_, model, ok := strings.Cut(e.Model, ":")
	if !ok {
		return ""
	}
	return model
}

type VectorStoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`
}

type CredentialsConfig struct {
	// EncryptionKey is a hex-encoded 32-byte AES key sealing catalog
	// credentials at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

type RateLimitConfig struct {
	// PerUser is the allowed requests per user per minute. 0 disables
	// rate limiting.
	PerUser int `yaml:"per_user"`
}

type FilesConfig struct {
	StoragePath string `yaml:"storage_path"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
}

type AgentConfig struct {
	MaxToolsPerTurn    int `yaml:"max_tools_per_turn"`
	HistoryLimit       int `yaml:"history_limit"`
	KnowledgeMaxTokens int `yaml:"knowledge_max_tokens"`
}

type WorkflowsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WebhookTTL   time.Duration `yaml:"webhook_ttl"`
}

type JobsConfig struct {
	Workers int `yaml:"workers"`
}

type CallbacksConfig struct {
	// Secret signs outbound callback bodies (HMAC-SHA256).
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChannelsConfig configures the non-chat delivery channels.
type ChannelsConfig struct {
	Email EmailChannelConfig `yaml:"email"`
}

// EmailChannelConfig wires outbound email replies for the email channel.
// Inbound mail arrives via provider webhooks regardless of these settings;
// replies are sent only when an API URL and key are configured.
type EmailChannelConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// Load reads the configuration file, expands ${VAR} references, decodes it
// strictly and applies defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	cfg.fromEnv()
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from FLYDESK_* environment variables alone,
// for file-less startup.
func FromEnv() (*Config, error) {
	var cfg Config
	cfg.fromEnv()
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fromEnv overlays FLYDESK_* environment variables onto cfg. Env vars win
// over file values so a deployment can override a checked-in config.
func (cfg *Config) fromEnv() {
	setString(&cfg.Database.URL, "FLYDESK_DATABASE_URL")
	setString(&cfg.Redis.URL, "FLYDESK_REDIS_URL")

	setString(&cfg.Auth.OIDC.Issuer, "FLYDESK_OIDC_ISSUER")
	setString(&cfg.Auth.OIDC.ClientID, "FLYDESK_OIDC_CLIENT_ID")
	setString(&cfg.Auth.OIDC.ClientSecret, "FLYDESK_OIDC_CLIENT_SECRET")
	setString(&cfg.Auth.OIDC.Scopes, "FLYDESK_OIDC_SCOPES")
	setString(&cfg.Auth.OIDC.RedirectURI, "FLYDESK_OIDC_REDIRECT_URI")
	setString(&cfg.Auth.OIDC.RolesClaim, "FLYDESK_OIDC_ROLES_CLAIM")
	setString(&cfg.Auth.OIDC.PermissionsClaim, "FLYDESK_OIDC_PERMISSIONS_CLAIM")
	setString(&cfg.Auth.OIDC.ProviderType, "FLYDESK_OIDC_PROVIDER_TYPE")
	setString(&cfg.Auth.JWTSecret, "FLYDESK_JWT_SECRET")

	if v := os.Getenv("FLYDESK_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitAndTrim(v)
	}

	setString(&cfg.Embedding.Model, "FLYDESK_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "FLYDESK_EMBEDDING_DIMENSIONS")
	setString(&cfg.VectorStore.Backend, "FLYDESK_VECTOR_STORE")
	setString(&cfg.VectorStore.Path, "FLYDESK_VECTOR_STORE_PATH")
	setString(&cfg.Credentials.EncryptionKey, "FLYDESK_CREDENTIAL_ENCRYPTION_KEY")
	setInt(&cfg.Audit.RetentionDays, "FLYDESK_AUDIT_RETENTION_DAYS")
	setInt(&cfg.RateLimit.PerUser, "FLYDESK_RATE_LIMIT_PER_USER")
	setString(&cfg.Files.StoragePath, "FLYDESK_FILE_STORAGE_PATH")
	setInt(&cfg.Files.MaxSizeMB, "FLYDESK_FILE_MAX_SIZE_MB")
	setString(&cfg.Callbacks.Secret, "FLYDESK_CALLBACK_SECRET")
	setString(&cfg.Channels.Email.APIURL, "FLYDESK_EMAIL_API_URL")
	setString(&cfg.Channels.Email.APIKey, "FLYDESK_EMAIL_API_KEY")
	setString(&cfg.Channels.Email.From, "FLYDESK_EMAIL_FROM")
	setString(&cfg.Logging.Level, "FLYDESK_LOG_LEVEL")

	if v := os.Getenv("FLYDESK_DEV_MODE"); v != "" {
		cfg.DevMode = v == "1" || strings.EqualFold(v, "true")
	}

	// Provider API keys follow the SDK conventions.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		setProviderKey(cfg, "openai", v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.OIDC.RolesClaim == "" {
		cfg.Auth.OIDC.RolesClaim = "roles"
	}
	if cfg.Auth.OIDC.PermissionsClaim == "" {
		cfg.Auth.OIDC.PermissionsClaim = "permissions"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "openai:text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.VectorStore.Backend == "" {
		if cfg.DevMode {
			cfg.VectorStore.Backend = "memory"
		} else {
			cfg.VectorStore.Backend = "pgvector"
		}
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.RateLimit.PerUser == 0 {
		cfg.RateLimit.PerUser = 60
	}
	if cfg.Files.MaxSizeMB == 0 {
		cfg.Files.MaxSizeMB = 25
	}
	if cfg.Agent.MaxToolsPerTurn == 0 {
		cfg.Agent.MaxToolsPerTurn = 10
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}
	if cfg.Agent.KnowledgeMaxTokens == 0 {
		cfg.Agent.KnowledgeMaxTokens = 2000
	}
	if cfg.Workflows.PollInterval == 0 {
		cfg.Workflows.PollInterval = 30 * time.Second
	}
	if cfg.Workflows.WebhookTTL == 0 {
		cfg.Workflows.WebhookTTL = 24 * time.Hour
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Callbacks.Timeout == 0 {
		cfg.Callbacks.Timeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "flydesk"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate fails fast on configuration the server cannot start with.
func (cfg *Config) Validate() error {
	if !cfg.DevMode && cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required outside dev mode (FLYDESK_DATABASE_URL)")
	}
	if cfg.Embedding.Model != "" && !strings.Contains(cfg.Embedding.Model, ":") {
		return fmt.Errorf("embedding.model must be provider:model, got %q", cfg.Embedding.Model)
	}
	if !validVectorBackend(cfg.VectorStore.Backend) {
		return fmt.Errorf("vector_store.backend must be one of %s, got %q",
			strings.Join(VectorBackends, "|"), cfg.VectorStore.Backend)
	}
	if cfg.Credentials.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.Credentials.EncryptionKey)
		if err != nil {
			return fmt.Errorf("credentials.encryption_key must be hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("credentials.encryption_key must decode to 32 bytes, got %d", len(key))
		}
	} else if !cfg.DevMode {
		return fmt.Errorf("credentials.encryption_key is required outside dev mode (FLYDESK_CREDENTIAL_ENCRYPTION_KEY)")
	}
	if cfg.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	if cfg.RateLimit.PerUser < 0 {
		return fmt.Errorf("rate_limit.per_user must not be negative")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", cfg.Logging.Level)
	}
	return nil
}

func validVectorBackend(backend string) bool {
	for _, b := range VectorBackends {
		if backend == b {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func setProviderKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	pc := cfg.LLM.Providers[provider]
	if pc.APIKey == "" {
		pc.APIKey = key
	}
	cfg.LLM.Providers[provider] = pc
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
