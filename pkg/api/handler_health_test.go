package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/queue"
)

func getHealth(t *testing.T, s *Server) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})
	s.workerPool = &fakePool{health: &queue.PoolHealth{IsHealthy: true}}
	s.SetContainerRuntime(&fakePinger{})

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.Equal(t, healthStatusHealthy, resp.Checks["worker_pool"].Status)
	assert.Equal(t, healthStatusHealthy, resp.Checks["container_runtime"].Status)
}

func TestHealthDegradedPool(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})
	s.workerPool = &fakePool{health: &queue.PoolHealth{
		IsHealthy: false,
		DBError:   "dial tcp: connection refused",
	}}

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code, "degraded still serves 200")
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Contains(t, resp.Checks["worker_pool"].Message, "connection refused")
}

func TestHealthDegradedContainerRuntime(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})
	s.workerPool = &fakePool{health: &queue.PoolHealth{IsHealthy: true}}
	s.SetContainerRuntime(&fakePinger{err: errors.New("docker daemon unreachable")})

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Equal(t, healthStatusDegraded, resp.Checks["container_runtime"].Status)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// No Authorization header on purpose.
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
