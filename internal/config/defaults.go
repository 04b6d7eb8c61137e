package config

import "time"

const (
	DefaultHost            = "localhost"
	DefaultPort            = 8090
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultIPRateLimit is the default rate limit for requests per IP (requests/second).
	DefaultIPRateLimit = 10
	// DefaultIPBurst is the default burst size for IP rate limiting.
	DefaultIPBurst = 20

	DefaultProviderRequestTimeout = 15 * time.Second

	DefaultTransactionTTL = 10 * time.Minute
	DefaultCodeTTL        = 10 * time.Minute
	DefaultRsTokenTTL     = 90 * 24 * time.Hour
	DefaultTokenExpiresIn = time.Hour

	DefaultRefreshBuffer       = 60 * time.Second
	DefaultRefreshCooldown     = 30 * time.Second
	DefaultRefreshCooldownSize = 10000
	DefaultRefreshTimeout      = 30 * time.Second

	DefaultSweepInterval = 60 * time.Second
	DefaultSessionTTL    = 24 * time.Hour
	DefaultFileDebounce  = 100 * time.Millisecond
	DefaultFileName      = "tokens.json"
	DefaultRedisPrefix   = "tokenbroker:"
	DefaultRedisTimeout  = 2 * time.Second
)

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			RateLimit: RateLimitConfig{
				Enabled: true,
				Rate:    DefaultIPRateLimit,
				Burst:   DefaultIPBurst,
			},
		},
		Provider: ProviderConfig{
			RequestTimeout: DefaultProviderRequestTimeout,
		},
		OAuth: OAuthConfig{
			TransactionTTL: DefaultTransactionTTL,
			CodeTTL:        DefaultCodeTTL,
			RsTokenTTL:     DefaultRsTokenTTL,
			TokenExpiresIn: DefaultTokenExpiresIn,
		},
		Refresh: RefreshConfig{
			Buffer:       DefaultRefreshBuffer,
			Cooldown:     DefaultRefreshCooldown,
			CooldownSize: DefaultRefreshCooldownSize,
			Timeout:      DefaultRefreshTimeout,
		},
		Storage: StorageConfig{
			Type:          StorageTypeMemory,
			SweepInterval: DefaultSweepInterval,
			SessionTTL:    DefaultSessionTTL,
			Limits: LimitsConfig{
				Records:      50000,
				Transactions: 10000,
				Codes:        10000,
				Sessions:     10000,
			},
			File: FileConfig{
				Debounce: DefaultFileDebounce,
			},
			Redis: RedisConfig{
				KeyPrefix: DefaultRedisPrefix,
				Timeout:   DefaultRedisTimeout,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
