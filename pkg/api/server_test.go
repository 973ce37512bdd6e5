package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/events"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/queue"
	"github.com/clarity-dev/clarity/pkg/services"
)

const testServiceKey = "test-service-key"

// fakeAutomation scripts the automation service per test.
type fakeAutomation struct {
	mu sync.Mutex

	submitResult *services.SubmitResult
	submitErr    error
	initResult   *services.InitializeResult
	initErr      error
	statusResult *models.StatusProjection
	statusErr    error
	transResult  *models.StatusProjection
	transErr     error

	gotSubmission *models.Submission
	gotInitialize services.InitializeInput
	gotProjectID  string
	gotTarget     models.ExecutionStatus
}

func (f *fakeAutomation) SubmitEvent(_ context.Context, sub *models.Submission) (*services.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSubmission = sub
	return f.submitResult, f.submitErr
}

func (f *fakeAutomation) Initialize(_ context.Context, in services.InitializeInput) (*services.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotInitialize = in
	return f.initResult, f.initErr
}

func (f *fakeAutomation) Status(_ context.Context, projectID string) (*models.StatusProjection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotProjectID = projectID
	return f.statusResult, f.statusErr
}

func (f *fakeAutomation) Transition(_ context.Context, projectID string, target models.ExecutionStatus) (*models.StatusProjection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotProjectID = projectID
	f.gotTarget = target
	return f.transResult, f.transErr
}

// fakePool reports a fixed pool health snapshot.
type fakePool struct {
	health *queue.PoolHealth
}

func (f *fakePool) Health() *queue.PoolHealth { return f.health }

// fakePinger scripts the container runtime probe.
type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

// fakePublisher records lifecycle broadcasts.
type fakePublisher struct {
	mu      sync.Mutex
	updates []map[string]any
	project string
}

func (f *fakePublisher) PublishExecutionUpdate(_ context.Context, projectID string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.project = projectID
	f.updates = append(f.updates, payload)
	return nil
}

func newTestServer(t *testing.T, auto AutomationService) *Server {
	t.Helper()
	cfg := &config.Config{ServiceKey: testServiceKey}
	s := NewServer(cfg, nil, auto, nil, events.NewConnectionManager(nil, time.Second))
	return s
}

// decodeResponse parses the uniform envelope, with Data left as raw JSON
// for per-test decoding.
type decodedResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Details   map[string]any  `json:"details"`
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) decodedResponse {
	t.Helper()
	var resp decodedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
