package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/orca-platform/orca-server/internal/api/handlers"
	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/auth/oauth"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "router-test-secret"

type stubBroker struct{}

func (stubBroker) Authorize(_ context.Context, providerID, userID string) (string, error) {
	if providerID == "nope" {
		return "", oauth.ErrUnknownProvider
	}
	if userID == "" {
		return "", oauth.ErrUnauthorized
	}
	return "https://auth.example.com/?state=s", nil
}

func (stubBroker) Callback(context.Context, string, string, string) oauth.Outcome {
	return oauth.Outcome{ProviderID: "gmail"}
}

type stubConnections struct{}

func (stubConnections) ListConnections(context.Context, string) ([]models.Connection, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	limiter := middleware.NewRateLimiter(1, time.Hour)
	t.Cleanup(limiter.Stop)
	return NewRouter(Deps{
		Registry:       registry.Default(),
		Broker:         stubBroker{},
		Connections:    stubConnections{},
		TTS:            handlers.TTSOptions{},
		Session:        middleware.NewSessionAuth(secret, "session"),
		ChatLimiter:    limiter,
		AllowedOrigins: []string{"http://localhost:3000"},
		DashboardURL:   "http://localhost:3000/integrations",
	})
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + raw
}

func TestRouter(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		auth   bool
		status int
	}{
		{"health", http.MethodGet, "/healthz", false, http.StatusOK},
		{"providers are public", http.MethodGet, "/api/integrations/providers", false, http.StatusOK},
		{"unknown provider before session", http.MethodGet, "/api/integrations/oauth/nope/authorize", false, http.StatusNotFound},
		{"authorize needs session", http.MethodGet, "/api/integrations/oauth/gmail/authorize", false, http.StatusUnauthorized},
		{"authorize", http.MethodGet, "/api/integrations/oauth/gmail/authorize", true, http.StatusOK},
		{"callback", http.MethodGet, "/api/integrations/oauth/callback?code=c&state=s", false, http.StatusFound},
		{"connections need session", http.MethodGet, "/api/integrations/connections", false, http.StatusUnauthorized},
		{"connections", http.MethodGet, "/api/integrations/connections", true, http.StatusOK},
		{"credentials need session", http.MethodGet, "/api/integrations/credentials/google", false, http.StatusUnauthorized},
		{"chat needs session", http.MethodPost, "/api/chat", false, http.StatusUnauthorized},
		{"tts needs session", http.MethodPost, "/api/tts", false, http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/api/nothing", false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth {
				req.Header.Set("Authorization", bearer(t, "user-1"))
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestRouter_ChatRateLimited(t *testing.T) {
	router := newTestRouter(t)
	token := bearer(t, "user-1")

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	// The first request fails validation; it still spends the budget.
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
