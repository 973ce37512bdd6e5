package projection

import "github.com/clarity-dev/clarity/pkg/models"

// transitions is the execution state machine used to validate
// lifecycle control requests. error is terminal.
var transitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.StatusIdle:         {models.StatusInitializing, models.StatusError},
	models.StatusInitializing: {models.StatusRunning, models.StatusError},
	models.StatusRunning:      {models.StatusPaused, models.StatusStopping, models.StatusCompleted, models.StatusError},
	models.StatusPaused:       {models.StatusRunning, models.StatusError},
	models.StatusStopping:     {models.StatusStopped, models.StatusError},
	models.StatusStopped:      {models.StatusError},
	models.StatusCompleted:    {models.StatusError},
	models.StatusError:        {},
}

// CanTransition reports whether from → to is an allowed state change.
func CanTransition(from, to models.ExecutionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the allowed targets from a status, in table
// order. Never nil, so 409 bodies always carry a JSON array.
func ValidTransitions(from models.ExecutionStatus) []models.ExecutionStatus {
	allowed := transitions[from]
	out := make([]models.ExecutionStatus, len(allowed))
	copy(out, allowed)
	return out
}
