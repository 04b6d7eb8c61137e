package oauth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tokenbroker/internal/metrics"
	"tokenbroker/pkg/logging"
	pkgoauth "tokenbroker/pkg/oauth"
)

// DefaultProviderTimeout bounds each provider token endpoint call.
const DefaultProviderTimeout = 15 * time.Second

// maxProviderResponseBytes caps how much of a token response is read.
const maxProviderResponseBytes = 1 << 20

var (
	// ErrProviderStatus is returned when the provider answers with a
	// non-success HTTP status or cannot be reached.
	ErrProviderStatus = errors.New("provider token endpoint failed")

	// ErrProviderNoToken is returned when a successful response carries no
	// access_token.
	ErrProviderNoToken = errors.New("provider response has no access token")
)

// Provider is the upstream identity provider.
type Provider interface {
	// AuthCodeURL returns the provider authorization URL for state.
	AuthCodeURL(state, scope string) string

	// ExchangeCode redeems a provider authorization code.
	ExchangeCode(ctx context.Context, code string) (*pkgoauth.Token, error)

	// Refresh obtains new provider tokens. A response without a refresh
	// token keeps refreshToken.
	Refresh(ctx context.Context, refreshToken string) (*pkgoauth.Token, error)
}

// ProviderConfig describes a confidential OAuth client registered with the
// provider.
type ProviderConfig struct {
	AuthorizationURL string
	TokenURL         string
	ClientID         string
	ClientSecret     Secret
	Scopes           []string

	// RedirectURL is the broker's own callback, registered with the provider.
	RedirectURL string

	// RequestTimeout bounds each token endpoint call.
	RequestTimeout time.Duration

	// CAFile optionally adds a CA bundle for the provider's TLS certificate.
	CAFile string
}

// Configured reports whether enough is set to talk to a provider.
func (c ProviderConfig) Configured() bool {
	return c.AuthorizationURL != "" && c.TokenURL != "" && c.ClientID != "" && !c.ClientSecret.IsEmpty()
}

// HTTPProvider talks to a standard OAuth 2.0 token endpoint using HTTP Basic
// client authentication.
type HTTPProvider struct {
	cfg        ProviderConfig
	oauth2     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg ProviderConfig) (*HTTPProvider, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("provider authorizationURL, tokenURL, clientID and clientSecret are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultProviderTimeout
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.CAFile != "" {
		c, err := httpClientWithCA(cfg.CAFile, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		httpClient = c
	}

	return &HTTPProvider{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Value(),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// httpClientWithCA creates an HTTP client that trusts certificates signed by
// the CA in caFile in addition to the system roots.
func httpClientWithCA(caFile string, timeout time.Duration) (*http.Client, error) {
	// #nosec G304 -- caFile is operator configuration, not user input
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: timeout,
	}, nil
}

// AuthCodeURL implements Provider. The configured provider scopes win; the
// caller's scope is forwarded only when none are configured.
func (p *HTTPProvider) AuthCodeURL(state, scope string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if len(p.cfg.Scopes) == 0 && scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}
	return p.oauth2.AuthCodeURL(state, opts...)
}

// ExchangeCode implements Provider.
func (p *HTTPProvider) ExchangeCode(ctx context.Context, code string) (*pkgoauth.Token, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	if p.cfg.RedirectURL != "" {
		data.Set("redirect_uri", p.cfg.RedirectURL)
	}

	return p.postToken(ctx, "authorization_code", data)
}

// Refresh implements Provider.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*pkgoauth.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no provider refresh token available")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	token, err := p.postToken(ctx, "refresh_token", data)
	if err != nil {
		return nil, err
	}

	// Preserve refresh token if not returned
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// tokenResponse is the provider's token endpoint body.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
}

func (p *HTTPProvider) postToken(ctx context.Context, grant string, data url.Values) (*pkgoauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ProviderLatency.WithLabelValues(grant).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret.Value()))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(grant, "network_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProviderStatus, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(grant, "read_error").Inc()
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrProviderStatus, err)
	}

	if resp.StatusCode != http.StatusOK {
		metrics.ProviderRequests.WithLabelValues(grant, "http_error").Inc()
		// The body may echo credentials or hints; log a bounded prefix only.
		logging.Warn("Provider", "Token endpoint returned status=%d grant=%s body=%s",
			resp.StatusCode, grant, logging.TruncateBody(body))
		return nil, fmt.Errorf("%w: status %d", ErrProviderStatus, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.ProviderRequests.WithLabelValues(grant, "parse_error").Inc()
		logging.Warn("Provider", "Token endpoint returned unparseable body=%s", logging.TruncateBody(body))
		return nil, fmt.Errorf("%w: failed to parse response", ErrProviderStatus)
	}
	if tr.AccessToken == "" {
		metrics.ProviderRequests.WithLabelValues(grant, "no_token").Inc()
		return nil, ErrProviderNoToken
	}

	token := &pkgoauth.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if n, err := tr.ExpiresIn.Int64(); err == nil && n > 0 {
		token.ExpiresIn = int(n)
	}
	token.SetExpiresAtFromExpiresIn(p.now())

	metrics.ProviderRequests.WithLabelValues(grant, "ok").Inc()
	logging.Debug("Provider", "Token endpoint succeeded grant=%s expires_in=%d refresh_token=%v",
		grant, token.ExpiresIn, token.RefreshToken != "")
	return token, nil
}
