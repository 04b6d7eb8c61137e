package oauth

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"tokenbroker/pkg/logging"
)

// RedirectPolicy decides which caller redirect URIs are accepted. It can be
// swapped at runtime when the configuration is reloaded.
type RedirectPolicy struct {
	mu            sync.RWMutex
	allowed       []*url.URL
	allowLoopback bool
	allowAll      bool
}

// NewRedirectPolicy parses the allow-list.
func NewRedirectPolicy(allowed []string, allowLoopback, allowAll bool) (*RedirectPolicy, error) {
	p := &RedirectPolicy{}
	if err := p.Update(allowed, allowLoopback, allowAll); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces the policy atomically.
func (p *RedirectPolicy) Update(allowed []string, allowLoopback, allowAll bool) error {
	parsed := make([]*url.URL, 0, len(allowed))
	for _, raw := range allowed {
		u, err := parseRedirectURI(raw)
		if err != nil {
			return fmt.Errorf("invalid allowed redirect URI %q: %w", raw, err)
		}
		parsed = append(parsed, u)
	}

	if allowAll {
		logging.Warn("OAuth", "UNSAFE: all redirect URIs are accepted. Never enable allowAllRedirects in production.")
	}

	p.mu.Lock()
	p.allowed = parsed
	p.allowLoopback = allowLoopback
	p.allowAll = allowAll
	p.mu.Unlock()

	logging.Debug("OAuth", "Redirect policy updated: %d allowed URIs, loopback=%v", len(parsed), allowLoopback)
	return nil
}

// Validate returns nil if raw may be used as a redirect target.
func (p *RedirectPolicy) Validate(raw string) error {
	u, err := parseRedirectURI(raw)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.allowAll {
		return nil
	}
	for _, a := range p.allowed {
		if sameTarget(a, u) {
			return nil
		}
	}
	if p.allowLoopback && isLoopbackHost(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("redirect URI is not allowed")
}

func parseRedirectURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("redirect URI is malformed")
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("redirect URI must be absolute")
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("redirect URI must not contain a fragment")
	}
	return u, nil
}

// sameTarget compares scheme, host (including port) and path exactly.
func sameTarget(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.EscapedPath() == b.EscapedPath()
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// appendQuery adds params to a redirect URI, keeping its existing query.
func appendQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
