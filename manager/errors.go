package manager

import "fmt"

// NotFoundError is returned for operations on a session the manager doesn't
// know about.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}
