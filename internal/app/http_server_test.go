package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func getBody(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestOpsHandler_AllProbesHealthy(t *testing.T) {
	health := healthcheck.NewHandler(version.GetVersion())
	health.RegisterChecker("storage", healthcheck.NewCriticalChecker("storage", func(context.Context) error { return nil }))
	h := opsHandler(health)

	code, body := getBody(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body)

	code, body = getBody(t, h, "/livez")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = getBody(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body)

	code, body = getBody(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	var report healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	require.Equal(t, healthcheck.StatusHealthy, report.Status)
	require.Contains(t, report.Checks, "storage")
}

func TestOpsHandler_StorageDownMakesServiceUnready(t *testing.T) {
	health := healthcheck.NewHandler(version.GetVersion())
	health.RegisterChecker("storage", healthcheck.NewCriticalChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	h := opsHandler(health)

	code, _ := getBody(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = getBody(t, h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = getBody(t, h, "/livez")
	require.Equal(t, http.StatusOK, code, "liveness не зависит от хранилища")
}

func TestOpsHandler_RedisDownOnlyDegrades(t *testing.T) {
	health := healthcheck.NewHandler(version.GetVersion())
	health.RegisterChecker("redis", healthcheck.NewOptionalChecker("redis", func(context.Context) error {
		return errors.New("dial tcp: timeout")
	}))
	h := opsHandler(health)

	code, _ := getBody(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body := getBody(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	var report healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	require.Equal(t, healthcheck.StatusDegraded, report.Status)
}

func TestOpsHandler_RejectsWrongMethod(t *testing.T) {
	h := opsHandler(healthcheck.NewHandler(version.GetVersion()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartMetricsServer_StopsOnContextCancel(t *testing.T) {
	logger := log.WithField("test", "metrics-server")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, healthcheck.NewHandler(version.GetVersion()))
	require.NotNil(t, srv)

	url := fmt.Sprintf("http://127.0.0.1:%d/livez", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownHTTP(t *testing.T) {
	logger := log.WithField("test", "shutdown-http")

	shutdownHTTP(nil, logger)

	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.Start()
	defer srv.Close()

	shutdownHTTP(srv.Config, logger)

	_, err := http.Get(srv.URL)
	require.Error(t, err)
}

func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
