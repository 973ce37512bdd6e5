package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clarity-dev/clarity/pkg/models"
)

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(models.StatusIdle, models.StatusInitializing))
	assert.True(t, CanTransition(models.StatusRunning, models.StatusPaused))
	assert.True(t, CanTransition(models.StatusRunning, models.StatusStopping))
	assert.True(t, CanTransition(models.StatusPaused, models.StatusRunning))
	assert.True(t, CanTransition(models.StatusStopping, models.StatusStopped))

	assert.False(t, CanTransition(models.StatusIdle, models.StatusRunning))
	assert.False(t, CanTransition(models.StatusCompleted, models.StatusRunning))
	assert.False(t, CanTransition(models.StatusPaused, models.StatusStopping))
	assert.False(t, CanTransition(models.StatusError, models.StatusError))
}

func TestEveryStatusCanReachErrorExceptError(t *testing.T) {
	all := []models.ExecutionStatus{
		models.StatusIdle, models.StatusInitializing, models.StatusRunning,
		models.StatusPaused, models.StatusStopping, models.StatusStopped,
		models.StatusCompleted,
	}
	for _, from := range all {
		assert.True(t, CanTransition(from, models.StatusError), "from %s", from)
	}
	assert.Empty(t, ValidTransitions(models.StatusError))
}

func TestValidTransitionsFromCompleted(t *testing.T) {
	assert.Equal(t, []models.ExecutionStatus{models.StatusError}, ValidTransitions(models.StatusCompleted))
}
