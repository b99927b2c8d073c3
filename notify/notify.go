// Package notify provides cross-platform desktop notifications.
// It uses the beeep library, which covers macOS, Linux, and Windows.
package notify

import (
	"github.com/gen2brain/beeep"

	"github.com/agentdeck/agentdeck-core/logger"
)

// notifyFunc matches beeep.Notify so tests can substitute a recorder.
type notifyFunc func(title, message string, icon any) error

var notifier notifyFunc = beeep.Notify

// SetNotifier replaces the notification backend (for testing).
func SetNotifier(fn func(title, message string, icon any) error) {
	notifier = fn
}

// ResetNotifier restores the default beeep backend.
func ResetNotifier() {
	notifier = beeep.Notify
}

// Send delivers a desktop notification with the given title and message.
func Send(title, message string) error {
	log := logger.WithComponent("notify")
	log.Debug("sending notification", "title", title, "message", message)
	// Empty icon lets beeep pick the platform default.
	err := notifier(title, message, "")
	if err != nil {
		log.Warn("failed to send notification", "error", err)
	}
	return err
}

// TurnCompleted announces that a session finished its turn.
func TurnCompleted(sessionTitle string) error {
	if sessionTitle == "" {
		sessionTitle = "Session"
	}
	return Send("AgentDeck", sessionTitle+" is ready")
}
