package refresh

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	pkgoauth "tokenbroker/pkg/oauth"
)

// TokenSource returns an oauth2.TokenSource that yields the provider access
// token behind rsAccess, renewing it as needed. It follows RS access token
// rotation, so a single source stays usable for the lifetime of the record.
func (c *Controller) TokenSource(ctx context.Context, rsAccess string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c, rsAccess: rsAccess}
}

type tokenSource struct {
	ctx context.Context
	c   *Controller

	mu       sync.Mutex
	rsAccess string
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.c.ProviderAccessToken(s.ctx, s.rsAccess)
	if err != nil {
		return nil, err
	}
	s.rsAccess = res.RsAccessToken

	// The provider refresh token never leaves the broker.
	tok := &pkgoauth.Token{AccessToken: res.ProviderAccessToken, ExpiresAt: res.Expiry}
	return tok.ToOAuth2Token(), nil
}

// RsAccessToken returns the RS access token the source currently tracks.
func (s *tokenSource) RsAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rsAccess
}
