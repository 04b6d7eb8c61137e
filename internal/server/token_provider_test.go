package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"tokenbroker/internal/refresh"
)

type stubResolver struct {
	res *refresh.Result
	err error
}

func (s stubResolver) ProviderAccessToken(context.Context, string) (*refresh.Result, error) {
	return s.res, s.err
}

func TestProviderTokenContext(t *testing.T) {
	ctx := context.Background()
	_, ok := ProviderTokenFromContext(ctx)
	assert.False(t, ok)

	_, ok = ProviderTokenFromContext(ContextWithProviderToken(ctx, ""))
	assert.False(t, ok)

	token, ok := ProviderTokenFromContext(ContextWithProviderToken(ctx, "AT1"))
	assert.True(t, ok)
	assert.Equal(t, "AT1", token)
}

func TestProviderTokenMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ProviderTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name        string
		auth        string
		resolver    stubResolver
		wantStatus  int
		wantToken   string
		wantRotated string
	}{
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			auth:       "Basic abc",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown token",
			auth:       "Bearer rs-1",
			resolver:   stubResolver{err: refresh.ErrUnknownToken},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "store failure",
			auth:       "Bearer rs-1",
			resolver:   stubResolver{err: errors.New("boom")},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "resolved",
			auth:       "Bearer rs-1",
			resolver:   stubResolver{res: &refresh.Result{ProviderAccessToken: "AT1", RsAccessToken: "rs-1"}},
			wantStatus: http.StatusNoContent,
			wantToken:  "AT1",
		},
		{
			name:        "rotated",
			auth:        "bearer rs-1",
			resolver:    stubResolver{res: &refresh.Result{ProviderAccessToken: "AT2", RsAccessToken: "rs-2", Refreshed: true}},
			wantStatus:  http.StatusNoContent,
			wantToken:   "AT2",
			wantRotated: "rs-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()

			ProviderTokenMiddleware(tt.resolver, next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantToken, seen)
			assert.Equal(t, tt.wantRotated, rec.Header().Get(HeaderRotatedToken))
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestServer_MountsAPI(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := ProviderTokenFromContext(r.Context())
		_, _ = w.Write([]byte(token))
	})
	s, _ := newTestServer(t, Config{
		API:    api,
		Tokens: stubResolver{res: &refresh.Result{ProviderAccessToken: "AT1", RsAccessToken: "rs-1"}},
	})

	req := httptest.NewRequest(http.MethodGet, APIPrefix+"calendars", nil)
	req.Header.Set("Authorization", "Bearer rs-1")
	rec := httptest.NewRecorder()
	s.CreateMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AT1", rec.Body.String())
}
