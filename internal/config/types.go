package config

import "time"

// Config is the top-level configuration structure for tokenbroker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	PublicURL string `yaml:"publicURL,omitempty"` // External base URL; defaults to http://host:port

	ReadTimeout     time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"writeTimeout,omitempty"`
	IdleTimeout     time.Duration `yaml:"idleTimeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty"`

	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// RateLimitConfig is the per client IP limit on the OAuth endpoints.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	Rate    int  `yaml:"rate,omitempty"`  // requests per second
	Burst   int  `yaml:"burst,omitempty"` // burst size
}

// ProviderConfig describes the upstream identity provider.
type ProviderConfig struct {
	AuthorizationURL string        `yaml:"authorizationURL,omitempty"`
	TokenURL         string        `yaml:"tokenURL,omitempty"`
	ClientID         string        `yaml:"clientID,omitempty"`
	ClientSecret     string        `yaml:"clientSecret,omitempty"`
	Scopes           []string      `yaml:"scopes,omitempty"`
	RequestTimeout   time.Duration `yaml:"requestTimeout,omitempty"`
	CAFile           string        `yaml:"caFile,omitempty"`
}

// Configured reports whether provider credentials are present.
func (p ProviderConfig) Configured() bool {
	return p.AuthorizationURL != "" && p.TokenURL != "" && p.ClientID != "" && p.ClientSecret != ""
}

// OAuthConfig controls the caller-facing flow.
type OAuthConfig struct {
	// DevMode lets authorize self-issue codes when no provider is configured.
	DevMode bool `yaml:"devMode,omitempty"`

	AllowedRedirectURIs    []string `yaml:"allowedRedirectURIs,omitempty"`
	AllowLoopbackRedirects bool     `yaml:"allowLoopbackRedirects,omitempty"`
	AllowAllRedirects      bool     `yaml:"allowAllRedirects,omitempty"` // UNSAFE, testing only

	// StateKey signs composite state. Empty derives it from the storage
	// encryption key, or generates one per process.
	StateKey string `yaml:"stateKey,omitempty"`

	TransactionTTL time.Duration `yaml:"transactionTTL,omitempty"`
	CodeTTL        time.Duration `yaml:"codeTTL,omitempty"`
	RsTokenTTL     time.Duration `yaml:"rsTokenTTL,omitempty"`
	TokenExpiresIn time.Duration `yaml:"tokenExpiresIn,omitempty"` // expires_in when the provider gives none
}

// RefreshConfig tunes proactive provider token renewal.
type RefreshConfig struct {
	Buffer       time.Duration `yaml:"buffer,omitempty"`
	Cooldown     time.Duration `yaml:"cooldown,omitempty"`
	CooldownSize int           `yaml:"cooldownSize,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// Storage backend types.
const (
	StorageTypeMemory = "memory"
	StorageTypeFile   = "file"
	StorageTypeRedis  = "redis"
)

// StorageConfig selects and tunes the token store.
type StorageConfig struct {
	Type string `yaml:"type,omitempty"`

	// EncryptionKey is a 32-byte key, base64 or hex. It seals the file and
	// redis payloads.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`

	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`
	SessionTTL    time.Duration `yaml:"sessionTTL,omitempty"`
	Limits        LimitsConfig  `yaml:"limits,omitempty"`
	File          FileConfig    `yaml:"file,omitempty"`
	Redis         RedisConfig   `yaml:"redis,omitempty"`
}

// LimitsConfig caps each collection; the oldest entry is evicted first.
type LimitsConfig struct {
	Records      int `yaml:"records,omitempty"`
	Transactions int `yaml:"transactions,omitempty"`
	Codes        int `yaml:"codes,omitempty"`
	Sessions     int `yaml:"sessions,omitempty"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Path     string        `yaml:"path,omitempty"`
	Debounce time.Duration `yaml:"debounce,omitempty"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address   string        `yaml:"address,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db,omitempty"`
	KeyPrefix string        `yaml:"keyPrefix,omitempty"`
	TLS       bool          `yaml:"tls,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text or json
}
