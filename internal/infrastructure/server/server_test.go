package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/livemap/internal/api/middleware"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/config"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/logging"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Development = true
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewWithLogger(cfg, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func request(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthCarriesRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	w := request(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get(middleware.RequestIDHeader), "req_"))
}

func TestSimulatorSessionReachesMap(t *testing.T) {
	s := newTestServer(t, nil)

	w := request(s, http.MethodPost, "/api/sessions", `{"provider":"simulator"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var status session.Status
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &status))

	sessions := s.Sessions().List()
	require.Len(t, sessions, 1)
	require.Eventually(t, func() bool {
		return sessions[0].Status().LastApplied != nil
	}, 5*time.Second, 20*time.Millisecond)

	metrics := request(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "livemap_sessions_active 1")
}

func TestFactoryRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"unknown accuracy", `{"provider":"simulator","accuracy":"extreme"}`},
		{"device without id", `{"provider":"device"}`},
		{"unknown provider", `{"provider":"satellite"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(s, http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, s.Sessions().Count())
}

func TestDefaultProviderFromConfig(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Geolocation.DefaultProvider = "satellite"
	})

	w := request(s, http.MethodPost, "/api/sessions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProfileFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("level: 5\ncreate_delay_ms: 0\n"), 0o600))

	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Sandbox.ProfilePath = path
	})
	w := request(s, http.MethodPost, "/api/sessions", `{"provider":"simulator"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	_, err := NewWithLogger(&config.Config{Sandbox: config.SandboxConfig{ProfilePath: filepath.Join(t.TempDir(), "missing.yaml")}}, logging.Nop())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = "0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
