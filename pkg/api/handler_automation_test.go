package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/services"
)

func TestInitializeAccepted(t *testing.T) {
	auto := &fakeAutomation{initResult: &services.InitializeResult{
		ExecutionID: "exec_abc",
		EventID:     "evt-uuid",
	}}
	s := newTestServer(t, auto)

	body := `{"project_id":"cust-1/proj-a","task":{"id":"1.1.1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/devteam/automation/initialize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)

	var result services.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "exec_abc", result.ExecutionID)
	assert.Equal(t, "cust-1/proj-a", auto.gotInitialize.ProjectID)
}

func TestInitializeIdempotencyReplay(t *testing.T) {
	auto := &fakeAutomation{initErr: services.NewConflictError(
		"idempotency key already used", map[string]any{
			"execution_id": "exec_prior",
			"event_id":     "evt-prior",
			"replay":       true,
		})}
	s := newTestServer(t, auto)

	req := httptest.NewRequest(http.MethodPost, "/api/devteam/automation/initialize",
		strings.NewReader(`{"project_id":"p1","options":{"idempotency_key":"k1"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "CONFLICT", resp.ErrorCode)
	assert.Equal(t, "exec_prior", resp.Details["execution_id"])
	assert.Equal(t, true, resp.Details["replay"])
}

func TestStatusProjectsLatestEvent(t *testing.T) {
	auto := &fakeAutomation{statusResult: &models.StatusProjection{
		ExecutionID: "exec_abc",
		ProjectID:   "cust-1/proj-a",
		Status:      models.StatusRunning,
		CurrentTask: "1.1.1",
	}}
	s := newTestServer(t, auto)

	// The project id spans two path segments.
	req := httptest.NewRequest(http.MethodGet, "/api/devteam/automation/status/cust-1/proj-a", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cust-1/proj-a", auto.gotProjectID)

	var proj models.StatusProjection
	require.NoError(t, json.Unmarshal(decodeResponse(t, rec).Data, &proj))
	assert.Equal(t, models.StatusRunning, proj.Status)
	assert.Equal(t, "1.1.1", proj.CurrentTask)
}

func TestStatusNotFound(t *testing.T) {
	auto := &fakeAutomation{statusErr: services.ErrNotFound}
	s := newTestServer(t, auto)

	req := httptest.NewRequest(http.MethodGet, "/api/devteam/automation/status/unknown-proj", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeResponse(t, rec).ErrorCode)
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		path   string
		target models.ExecutionStatus
	}{
		{path: "/api/devteam/automation/pause/cust-1/proj-a", target: models.StatusPaused},
		{path: "/api/devteam/automation/resume/cust-1/proj-a", target: models.StatusRunning},
		{path: "/api/devteam/automation/stop/cust-1/proj-a", target: models.StatusStopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			auto := &fakeAutomation{transResult: &models.StatusProjection{
				ExecutionID: "exec_abc",
				ProjectID:   "cust-1/proj-a",
				Status:      tt.target,
			}}
			pub := &fakePublisher{}
			s := newTestServer(t, auto)
			s.SetEventPublisher(pub)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			rec := httptest.NewRecorder()
			s.echo.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "cust-1/proj-a", auto.gotProjectID)
			assert.Equal(t, tt.target, auto.gotTarget)

			require.Len(t, pub.updates, 1, "allowed transition is broadcast")
			assert.Equal(t, "cust-1/proj-a", pub.project)
			assert.Equal(t, "lifecycle", pub.updates[0]["kind"])
			assert.Equal(t, "exec_abc", pub.updates[0]["execution_id"])
		})
	}
}

func TestTransitionConflictCarriesValidTransitions(t *testing.T) {
	auto := &fakeAutomation{transErr: services.NewConflictError(
		"transition from completed to paused is not allowed", map[string]any{
			"current_status":    "completed",
			"valid_transitions": []string{"error"},
		})}
	pub := &fakePublisher{}
	s := newTestServer(t, auto)
	s.SetEventPublisher(pub)

	req := httptest.NewRequest(http.MethodPost, "/api/devteam/automation/pause/proj-a", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "CONFLICT", resp.ErrorCode)
	assert.Contains(t, resp.Details, "valid_transitions")
	assert.Empty(t, pub.updates, "refused transition is not broadcast")
}

func TestUnexpectedErrorIsOpaque(t *testing.T) {
	auto := &fakeAutomation{statusErr: errors.New("pq: connection reset by peer")}
	s := newTestServer(t, auto)

	req := httptest.NewRequest(http.MethodGet, "/api/devteam/automation/status/proj-a", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "SERVICE_ERROR", resp.ErrorCode)
	assert.NotContains(t, resp.Message, "pq:", "internals never leak to clients")
}
