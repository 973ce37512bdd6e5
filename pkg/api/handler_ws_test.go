package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws/devteam?projectId=proj-a", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestWSRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, wsRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWSRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, wsRequest("not-the-key"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWSRejectsInvalidProjectID(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws/devteam?projectId=../bad", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceKey)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeResponse(t, rec).ErrorCode)
}

func TestWSUnavailableWithoutManager(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})
	s.connManager = nil

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, wsRequest(testServiceKey))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWSFailsClosedWithoutConfiguredKey(t *testing.T) {
	s := newTestServer(t, &fakeAutomation{})
	s.cfg.ServiceKey = ""

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, wsRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
