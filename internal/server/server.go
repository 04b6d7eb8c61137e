package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenbroker/internal/oauth"
	"tokenbroker/internal/store"
	"tokenbroker/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// APIPrefix is where provider-bound handlers are mounted.
	APIPrefix = "/api/"
)

// Config holds the listener settings.
type Config struct {
	Address string

	// BaseURL is the externally visible URL. Plain http is only accepted
	// for loopback hosts.
	BaseURL string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// RateLimiter limits OAuth requests per client IP. Nil disables it.
	RateLimiter *security.RateLimiter

	// API, if set, is mounted under APIPrefix behind
	// ProviderTokenMiddleware.
	API http.Handler

	// Tokens resolves RS tokens for API. Required when API is set.
	Tokens ProviderTokenResolver
}

// Server serves the OAuth endpoints plus health and metrics.
type Server struct {
	config  Config
	handler *oauth.Handler
	store   store.Store
}

// New creates a server for handler, owning st for shutdown.
func New(cfg Config, handler *oauth.Handler, st store.Store) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("oauth handler is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.API != nil && cfg.Tokens == nil {
		return nil, fmt.Errorf("a token resolver is required to serve the API")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{config: cfg, handler: handler, store: st}, nil
}

// CreateMux creates an HTTP mux that routes to the OAuth, health and
// metrics handlers.
func (s *Server) CreateMux() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for Kubernetes probes
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	oauthMux := http.NewServeMux()
	s.handler.Register(oauthMux)
	mux.Handle("/", rateLimitMiddleware(s.config.RateLimiter, oauthMux))

	if s.config.API != nil {
		mux.Handle(APIPrefix, ProviderTokenMiddleware(s.config.Tokens, s.config.API))
		logging.Info("Server", "Mounted provider-bound API at %s", APIPrefix)
	}

	return mux
}

type healthResponse struct {
	Status       string `json:"status"`
	Records      int    `json:"records"`
	Transactions int    `json:"transactions"`
	Codes        int    `json:"codes"`
	Sessions     int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Records:      stats.Records,
		Transactions: stats.Transactions,
		Codes:        stats.Codes,
		Sessions:     stats.Sessions,
	})
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// flushes and closes the store.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.CreateMux(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on %s (public URL %s)", ln.Addr(), s.config.BaseURL)
		errCh <- httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logging.Info("Server", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "Graceful shutdown incomplete: %v", err)
		}
		cancel()
	}

	return errors.Join(serveErr, s.closeStore(ctx))
}

func (s *Server) closeStore(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.store.Flush(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush store: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if s.config.RateLimiter != nil {
		s.config.RateLimiter.Stop()
	}
	return errors.Join(errs...)
}

// rateLimitMiddleware rejects requests over the per-IP limit with 429.
func rateLimitMiddleware(rl *security.RateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !rl.Allow(ip) {
			logging.Warn("Server", "Rate limit exceeded for %s on %s", ip, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","error_description":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// validateHTTPSRequirement ensures OAuth 2.1 HTTPS compliance.
// Allows HTTP only for loopback addresses (localhost, 127.0.0.1, ::1).
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("OAuth 2.1 requires HTTPS for production (got: %s). Use HTTPS or localhost for development", baseURL)
		}
	} else if u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}

	return nil
}
