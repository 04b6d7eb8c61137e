package app

import (
	"fmt"

	"github.com/giantswarm/mcp-oauth/security"

	"tokenbroker/internal/config"
	"tokenbroker/internal/crypto"
	"tokenbroker/internal/oauth"
	"tokenbroker/internal/refresh"
	"tokenbroker/internal/server"
	"tokenbroker/internal/store"
	"tokenbroker/pkg/logging"
)

// Services holds every component built from the configuration.
//
// The components are created in dependency order:
//  1. Token store (sealed when an encryption key is set)
//  2. Provider client, state codec and redirect policy
//  3. Flow engine and refresh controller
//  4. HTTP server, which owns the store for shutdown
type Services struct {
	Store     store.Store
	Redirects *oauth.RedirectPolicy
	Engine    *oauth.Engine
	Refresh   *refresh.Controller
	Server    *server.Server
}

// InitializeServices builds the services for cfg. On failure, anything
// already created is closed.
func InitializeServices(cfg config.Config) (*Services, error) {
	var sealer store.Sealer
	if cfg.Storage.EncryptionKey != "" {
		s, err := crypto.NewSealerFromString(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid storage encryption key: %w", err)
		}
		sealer = s
	} else if cfg.Storage.Type == config.StorageTypeFile || cfg.Storage.Type == config.StorageTypeRedis {
		logging.Warn("Bootstrap", "No encryption key configured; %s storage will hold provider tokens in plaintext", cfg.Storage.Type)
	}

	st, err := store.New(store.Options{
		Type:   cfg.Storage.Type,
		Sealer: sealer,
		TTLs: store.TTLs{
			Record:      cfg.OAuth.RsTokenTTL,
			Transaction: cfg.OAuth.TransactionTTL,
			Code:        cfg.OAuth.CodeTTL,
			Session:     cfg.Storage.SessionTTL,
		},
		Limits: store.Limits{
			Records:      cfg.Storage.Limits.Records,
			Transactions: cfg.Storage.Limits.Transactions,
			Codes:        cfg.Storage.Limits.Codes,
			Sessions:     cfg.Storage.Limits.Sessions,
		},
		SweepInterval: cfg.Storage.SweepInterval,
		FilePath:      cfg.Storage.File.Path,
		FileDebounce:  cfg.Storage.File.Debounce,
		Redis: store.RedisConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
			TLS:       cfg.Storage.Redis.TLS,
			Timeout:   cfg.Storage.Redis.Timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	services, err := initializeWithStore(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return services, nil
}

func initializeWithStore(cfg config.Config, st store.Store) (*Services, error) {
	var provider oauth.Provider
	if cfg.Provider.Configured() {
		p, err := oauth.NewHTTPProvider(oauth.ProviderConfig{
			AuthorizationURL: cfg.Provider.AuthorizationURL,
			TokenURL:         cfg.Provider.TokenURL,
			ClientID:         cfg.Provider.ClientID,
			ClientSecret:     oauth.NewSecret(cfg.Provider.ClientSecret),
			Scopes:           cfg.Provider.Scopes,
			RedirectURL:      cfg.BaseURL() + oauth.PathCallback,
			RequestTimeout:   cfg.Provider.RequestTimeout,
			CAFile:           cfg.Provider.CAFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider client: %w", err)
		}
		provider = p
		logging.Info("Bootstrap", "Using provider %s (client %s)", cfg.Provider.AuthorizationURL, cfg.Provider.ClientID)
	} else if cfg.OAuth.DevMode {
		logging.Warn("Bootstrap", "No provider configured; dev mode issues codes without upstream authentication")
	} else {
		logging.Warn("Bootstrap", "No provider configured; authorization requests will fail")
	}

	stateKey, err := oauth.ResolveStateKey(cfg.OAuth.StateKey, cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, err
	}
	codec, err := oauth.NewStateCodec(stateKey, cfg.OAuth.TransactionTTL)
	if err != nil {
		return nil, err
	}

	policy, err := oauth.NewRedirectPolicy(cfg.OAuth.AllowedRedirectURIs, cfg.OAuth.AllowLoopbackRedirects, cfg.OAuth.AllowAllRedirects)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect policy: %w", err)
	}
	if cfg.OAuth.AllowAllRedirects {
		logging.Warn("Bootstrap", "allowAllRedirects is enabled; any redirect URI will be accepted")
	}

	engine, err := oauth.NewEngine(oauth.EngineConfig{
		Store:          st,
		State:          codec,
		Redirects:      policy,
		Provider:       provider,
		DevMode:        cfg.OAuth.DevMode,
		TokenExpiresIn: cfg.OAuth.TokenExpiresIn,
		RefreshBuffer:  cfg.Refresh.Buffer,
		Auditor:        security.NewAuditor(logging.Logger(), true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth engine: %w", err)
	}

	controller, err := refresh.New(refresh.Config{
		Store:        st,
		Refresher:    engine,
		Buffer:       cfg.Refresh.Buffer,
		Cooldown:     cfg.Refresh.Cooldown,
		CooldownSize: cfg.Refresh.CooldownSize,
		Timeout:      cfg.Refresh.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh controller: %w", err)
	}

	var limiter *security.RateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = security.NewRateLimiter(cfg.Server.RateLimit.Rate, cfg.Server.RateLimit.Burst, logging.Logger())
	}

	srv, err := server.New(server.Config{
		Address:         cfg.Address(),
		BaseURL:         cfg.BaseURL(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimiter:     limiter,
		Tokens:          controller,
	}, oauth.NewHandler(engine), st)
	if err != nil {
		if limiter != nil {
			limiter.Stop()
		}
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Services{
		Store:     st,
		Redirects: policy,
		Engine:    engine,
		Refresh:   controller,
		Server:    srv,
	}, nil
}
