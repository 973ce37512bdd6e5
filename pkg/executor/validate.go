package executor

import (
	"fmt"

	"github.com/clarity-dev/clarity/pkg/services"
)

// maxRetryLimit is the hard per-command attempt ceiling. This validator
// is the only place the limit lives.
const maxRetryLimit = 2

// ValidateRetryLimit rejects attempt counts outside [1, 2].
func ValidateRetryLimit(n int, op string) error {
	if n < 1 || n > maxRetryLimit {
		return services.NewValidationError("max_attempts",
			fmt.Sprintf("retry limit for %s must be between 1 and %d, got %d", op, maxRetryLimit, n))
	}
	return nil
}
