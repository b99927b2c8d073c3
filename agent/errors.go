package agent

import "fmt"

// AlreadyRunningError is returned by StartTurn when a turn is already in
// flight for the session. The caller should wait for the current turn to
// finish before sending another prompt.
type AlreadyRunningError struct {
	SessionID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("session %s already has a turn in flight", e.SessionID)
}

// SpawnError is returned when the agent CLI process could not be started.
// The process state stays idle so the caller can retry.
type SpawnError struct {
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent process: %v", e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }
