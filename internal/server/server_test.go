package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
)

func TestHealth(t *testing.T) {
	srv := New(&config.Config{}, nil, nil, nil, "acct_1", zap.NewNop())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsExposed(t *testing.T) {
	srv := New(&config.Config{}, nil, nil, nil, "acct_1", zap.NewNop())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIKeyGuard(t *testing.T) {
	srv := New(&config.Config{APIKey: "secret-key"}, nil, nil, nil, "acct_1", zap.NewNop())
	handler := srv.Handler()

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"wrong x-api-key", "X-API-Key", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(""))
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCutBearer(t *testing.T) {
	key, ok := cutBearer("Bearer abc123")
	assert.True(t, ok)
	assert.Equal(t, "abc123", key)

	key, ok = cutBearer("abc123")
	assert.False(t, ok)
	assert.Equal(t, "abc123", key)

	_, ok = cutBearer("Bearer ")
	assert.False(t, ok)
}
