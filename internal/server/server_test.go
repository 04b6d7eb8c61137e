package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/oauth"
	"tokenbroker/internal/store"
	pkgoauth "tokenbroker/pkg/oauth"
)

func newTestHandler(t *testing.T, st store.TokenStore) *oauth.Handler {
	t.Helper()

	codec, err := oauth.NewStateCodec(bytes.Repeat([]byte("k"), 32), 10*time.Minute)
	require.NoError(t, err)
	policy, err := oauth.NewRedirectPolicy([]string{"https://app.example.com/cb"}, false, false)
	require.NoError(t, err)
	engine, err := oauth.NewEngine(oauth.EngineConfig{Store: st, State: codec, Redirects: policy, DevMode: true})
	require.NoError(t, err)
	return oauth.NewHandler(engine)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = st.Close() })

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	s, err := New(cfg, newTestHandler(t, st), st)
	require.NoError(t, err)
	return s, st
}

func TestValidateHTTPSRequirement(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "HTTPS URL is valid", baseURL: "https://broker.example.com"},
		{name: "HTTP localhost is valid", baseURL: "http://localhost:8080"},
		{name: "HTTP 127.0.0.1 is valid", baseURL: "http://127.0.0.1:8080"},
		{name: "HTTP ::1 is valid", baseURL: "http://[::1]:8080"},
		{name: "HTTP on non-loopback is invalid", baseURL: "http://broker.example.com", wantErr: true},
		{name: "Empty URL is invalid", baseURL: "", wantErr: true},
		{name: "Invalid scheme is invalid", baseURL: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHTTPSRequirement(tt.baseURL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemoryStore(store.WithSweepInterval(0))
	defer st.Close()
	h := newTestHandler(t, st)

	_, err := New(Config{BaseURL: "http://localhost"}, nil, st)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://localhost"}, h, nil)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://broker.example.com"}, h, st)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://localhost", API: http.NotFoundHandler()}, h, st)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	s, st := newTestServer(t, Config{})
	_, err := st.StoreRsMapping(context.Background(), "rs-access", &pkgoauth.Token{AccessToken: "AT1"}, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.CreateMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Records)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.CreateMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_RoutesOAuthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodPost, oauth.PathToken,
		bytes.NewBufferString(url.Values{"grant_type": {"password"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.CreateMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), oauth.ErrCodeUnsupportedGrantType)

	rec = httptest.NewRecorder()
	s.CreateMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	limiter := security.NewRateLimiter(1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s, _ := newTestServer(t, Config{RateLimiter: limiter})
	t.Cleanup(limiter.Stop)
	mux := s.CreateMux()

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.NotEqual(t, http.StatusTooManyRequests, do(oauth.PathRevoke))
	assert.Equal(t, http.StatusTooManyRequests, do(oauth.PathRevoke))

	// Health is not limited.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ServeShutsDownAndFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	st, err := store.NewFileStore(store.FileConfig{Path: path, Debounce: time.Hour}, store.WithSweepInterval(0))
	require.NoError(t, err)

	s, err := New(Config{BaseURL: "http://127.0.0.1"}, newTestHandler(t, st), st)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	_, err = st.StoreRsMapping(context.Background(), "rs-access", &pkgoauth.Token{AccessToken: "AT1"}, "rs-refresh")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "debounced write should still be pending")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	reopened, err := store.NewFileStore(store.FileConfig{Path: path}, store.WithSweepInterval(0))
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.GetByRsAccess(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.Equal(t, "AT1", rec.Provider.AccessToken)
}

func TestServer_RunFailsOnBadAddress(t *testing.T) {
	s, _ := newTestServer(t, Config{Address: "256.0.0.1:http"})
	assert.Error(t, s.Run(context.Background()))
}
