package store

import (
	"sync"
	"time"

	"tokenbroker/pkg/oauth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func providerToken(access string, expiresAt time.Time) *oauth.Token {
	return &oauth.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: "provider-refresh",
		ExpiresAt:    expiresAt,
		Scope:        "openid email",
	}
}

func newTestMemoryStore(clock *fakeClock, opts ...MemoryOption) *MemoryStore {
	opts = append([]MemoryOption{WithClock(clock.Now), WithSweepInterval(0)}, opts...)
	return NewMemoryStore(opts...)
}
