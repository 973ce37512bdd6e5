package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/models"
)

func newValidationOnlyService(t *testing.T) *AutomationService {
	t.Helper()
	// Validation paths never touch the stores; a zero EventService and
	// DispatchService are enough for these tests.
	return NewAutomationService(&EventService{}, &DispatchService{}, nil)
}

func validSubmission() *models.Submission {
	return &models.Submission{
		ID:        "sub-1",
		Type:      models.WorkflowDevTeamAutomation,
		ProjectID: "acme/storefront",
	}
}

func TestValidateSubmissionAccepted(t *testing.T) {
	svc := newValidationOnlyService(t)
	assert.NoError(t, svc.ValidateSubmission(validSubmission()))
}

func TestValidateSubmissionMissingFields(t *testing.T) {
	svc := newValidationOnlyService(t)

	err := svc.ValidateSubmission(&models.Submission{})
	require.Error(t, err)

	fields, ok := AsValidationErrors(err)
	require.True(t, ok)

	names := make([]string, 0, len(fields))
	for _, fe := range fields {
		names = append(names, fe.Field)
	}
	assert.Contains(t, names, "id")
	assert.Contains(t, names, "type")
	assert.Contains(t, names, "project_id")
}

func TestValidateSubmissionProjectIDFormat(t *testing.T) {
	svc := newValidationOnlyService(t)

	for _, bad := range []string{"has space", "semi;colon", "dots/../up", "café"} {
		sub := validSubmission()
		sub.ProjectID = bad
		err := svc.ValidateSubmission(sub)
		require.Error(t, err, "project_id %q should be rejected", bad)

		fields, ok := AsValidationErrors(err)
		require.True(t, ok)
		assert.Equal(t, "project_id", fields[0].Field)
	}
}

func TestValidateSubmissionRetryCountBounds(t *testing.T) {
	svc := newValidationOnlyService(t)

	sub := validSubmission()
	sub.Options = &models.SubmissionOptions{RetryCount: 3}
	err := svc.ValidateSubmission(sub)
	require.Error(t, err)

	fields, ok := AsValidationErrors(err)
	require.True(t, ok)
	assert.Equal(t, "retry_count", fields[0].Field)

	sub.Options.RetryCount = 2
	assert.NoError(t, svc.ValidateSubmission(sub))
}

func TestValidateProjectID(t *testing.T) {
	assert.NoError(t, ValidateProjectID("acme/storefront"))
	assert.NoError(t, ValidateProjectID("solo-project_1"))
	assert.Error(t, ValidateProjectID(""))
	assert.Error(t, ValidateProjectID("a/../b"))
	assert.Error(t, ValidateProjectID("white space"))
}

func TestResolveWorkflowType(t *testing.T) {
	assert.Equal(t, models.WorkflowDevTeamAutomation, resolveWorkflowType("DEVTEAM_AUTOMATION"))
	assert.Equal(t, models.WorkflowPlaceholder, resolveWorkflowType("PLACEHOLDER"))
	assert.Equal(t, models.WorkflowPlaceholder, resolveWorkflowType("SOMETHING_ELSE"))
	assert.Equal(t, models.WorkflowPlaceholder, resolveWorkflowType("devteam_automation"), "lookup is case sensitive")
}

func TestExecutionIDOf(t *testing.T) {
	withEmbedded := &models.Event{
		ID:   "11111111-1111-1111-1111-111111111111",
		Data: []byte(`{"data":{"execution_id":"exec_custom"}}`),
	}
	assert.Equal(t, "exec_custom", executionIDOf(withEmbedded))

	plain := &models.Event{
		ID:   "22222222-2222-2222-2222-222222222222",
		Data: []byte(`{"project_id":"p"}`),
	}
	assert.Equal(t, "exec_22222222-2222-2222-2222-222222222222", executionIDOf(plain))
}

func TestMetaStatusFor(t *testing.T) {
	assert.Equal(t, models.MetaPaused, metaStatusFor(models.StatusPaused))
	assert.Equal(t, models.MetaStopping, metaStatusFor(models.StatusStopping))
	assert.Equal(t, models.MetaRunning, metaStatusFor(models.StatusRunning))
}
