// Package refresh keeps provider tokens fresh for callers holding RS access
// tokens.
//
// Before a provider-bound call, ask the Controller for the provider access
// token behind an RS access token. Tokens inside the refresh buffer are
// renewed through the provider; a per-token cooldown stops repeated renewals,
// and a failed renewal falls back to the last known token so the downstream
// API reports the real authorization error.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"tokenbroker/internal/metrics"
	"tokenbroker/internal/store"
	"tokenbroker/pkg/logging"
	pkgoauth "tokenbroker/pkg/oauth"
)

// Defaults for Config.
const (
	DefaultCooldown     = 30 * time.Second
	DefaultCooldownSize = 10000
	DefaultTimeout      = 30 * time.Second
)

// ErrUnknownToken is returned when the RS access token does not resolve.
var ErrUnknownToken = errors.New("unknown RS access token")

// Refresher renews provider tokens. *oauth.Engine satisfies it.
type Refresher interface {
	RefreshProviderToken(ctx context.Context, refreshToken string) (*pkgoauth.Token, error)
}

// Config configures a Controller.
type Config struct {
	Store     store.TokenStore
	Refresher Refresher

	// Buffer is how close to expiry a provider token is renewed.
	Buffer time.Duration

	// Cooldown is how long after a successful renewal the same RS token is
	// not renewed again.
	Cooldown time.Duration

	// CooldownSize bounds the number of tracked RS tokens.
	CooldownSize int

	// Timeout bounds a single provider renewal.
	Timeout time.Duration
}

// Result is the outcome of a lookup.
type Result struct {
	// ProviderAccessToken is the token to present upstream.
	ProviderAccessToken string

	// RsAccessToken is the caller's RS access token. It differs from the
	// one passed in when the provider rotated its refresh token.
	RsAccessToken string

	// Expiry is the provider token's expiry, zero if unknown.
	Expiry time.Time

	// Refreshed reports whether the provider was called successfully.
	Refreshed bool
}

// Controller is safe for concurrent use.
type Controller struct {
	store     store.TokenStore
	refresher Refresher
	buffer    time.Duration
	timeout   time.Duration

	cooldown *expirable.LRU[string, time.Time]
	group    singleflight.Group
	now      func() time.Time
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = pkgoauth.TokenRefreshBuffer
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.CooldownSize <= 0 {
		cfg.CooldownSize = DefaultCooldownSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Controller{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		buffer:    cfg.Buffer,
		timeout:   cfg.Timeout,
		cooldown:  expirable.NewLRU[string, time.Time](cfg.CooldownSize, nil, cfg.Cooldown),
		now:       time.Now,
	}, nil
}

// ProviderAccessToken resolves rsAccess to a usable provider access token,
// renewing it first if it is close to expiry.
func (c *Controller) ProviderAccessToken(ctx context.Context, rsAccess string) (*Result, error) {
	rec, err := c.lookup(ctx, rsAccess)
	if err != nil {
		return nil, err
	}

	if !rec.Provider.IsExpiredAt(c.now(), c.buffer) {
		metrics.Refreshes.WithLabelValues("fresh").Inc()
		return resultFrom(rec, false), nil
	}

	if at, ok := c.cooldown.Get(rsAccess); ok {
		logging.Debug("Refresh", "Skipping refresh for %s, last refreshed %s ago",
			logging.TruncateID(rsAccess), c.now().Sub(at).Round(time.Second))
		metrics.Refreshes.WithLabelValues("throttled").Inc()
		return resultFrom(rec, false), nil
	}

	if rec.Provider.RefreshToken == "" {
		logging.Warn("Refresh", "Provider token for %s is expiring and has no refresh token", logging.TruncateID(rsAccess))
		metrics.Refreshes.WithLabelValues("failed").Inc()
		return resultFrom(rec, false), nil
	}

	v, err, _ := c.group.Do(rsAccess, func() (any, error) {
		return c.refresh(ctx, rec)
	})
	if err != nil {
		// The downstream call will surface the real authorization error.
		logging.Error("Refresh", err, "Provider refresh failed for %s, using last known token", logging.TruncateID(rsAccess))
		metrics.Refreshes.WithLabelValues("failed").Inc()
		return resultFrom(rec, false), nil
	}
	return v.(*Result), nil
}

func (c *Controller) lookup(ctx context.Context, rsAccess string) (*store.RsRecord, error) {
	if rsAccess == "" {
		return nil, ErrUnknownToken
	}
	rec, err := c.store.GetByRsAccess(ctx, rsAccess)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("failed to load RS record: %w", err)
	}
	return rec, nil
}

// refresh renews the provider token behind rec. It does not inherit the
// caller's cancellation.
func (c *Controller) refresh(ctx context.Context, rec *store.RsRecord) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	oldRefresh := rec.Provider.RefreshToken
	token, err := c.refresher.RefreshProviderToken(ctx, oldRefresh)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = oldRefresh
	}

	// Only a provider-side rotation rotates the RS access token.
	var newRsAccess string
	rotated := token.RefreshToken != oldRefresh
	if rotated {
		newRsAccess, err = pkgoauth.GenerateOpaqueToken()
		if err != nil {
			return nil, err
		}
	}

	updated, err := c.store.UpdateByRsRefresh(ctx, rec.RsRefreshToken, token, newRsAccess)
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	now := c.now()
	c.cooldown.Add(rec.RsAccessToken, now)
	if rotated {
		c.cooldown.Add(updated.RsAccessToken, now)
		metrics.Refreshes.WithLabelValues("rotated").Inc()
		logging.Info("Refresh", "Provider rotated its refresh token, RS access token %s replaced by %s",
			logging.TruncateID(rec.RsAccessToken), logging.TruncateID(updated.RsAccessToken))
	} else {
		metrics.Refreshes.WithLabelValues("refreshed").Inc()
		logging.Info("Refresh", "Refreshed provider token for %s, expires %s",
			logging.TruncateID(rec.RsAccessToken), token.ExpiresAt.Format(time.RFC3339))
	}

	return resultFrom(updated, true), nil
}

func resultFrom(rec *store.RsRecord, refreshed bool) *Result {
	return &Result{
		ProviderAccessToken: rec.Provider.AccessToken,
		RsAccessToken:       rec.RsAccessToken,
		Expiry:              rec.Provider.ExpiresAt,
		Refreshed:           refreshed,
	}
}
