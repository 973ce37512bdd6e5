package container

import "fmt"

// Error is a container-runtime failure. Surfaced to clients as a 500
// with error_code CONTAINER_ERROR; details stay in the logs.
type Error struct {
	Op          string
	ProjectID   string
	ContainerID string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.ProjectID != "":
		return fmt.Sprintf("container %s failed for project %s: %v", e.Op, e.ProjectID, e.Err)
	case e.ContainerID != "":
		return fmt.Sprintf("container %s failed for %s: %v", e.Op, e.ContainerID, e.Err)
	default:
		return fmt.Sprintf("container %s failed: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
