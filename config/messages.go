package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentdeck/agentdeck-core/paths"
)

// MaxSessionMessages caps how many messages are kept per session history file.
const MaxSessionMessages = 2000

// Message is one chat message persisted for session history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SaveSessionMessages saves the message history for a session, keeping only
// the most recent maxMessages entries. maxMessages <= 0 keeps everything.
func SaveSessionMessages(sessionID string, messages []Message, maxMessages int) error {
	dir, err := paths.SessionsDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, sessionID+".json"), data, 0644)
}

// LoadSessionMessages loads the message history for a session
func LoadSessionMessages(sessionID string) ([]Message, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// DeleteSessionMessages deletes the message history file for a session
func DeleteSessionMessages(sessionID string) error {
	dir, err := paths.SessionsDir()
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(dir, sessionID+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PruneOrphanedSessionMessages deletes message history files that don't have
// a matching session in the config. Returns the number of files deleted.
func PruneOrphanedSessionMessages(cfg *Config) (int, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	for _, sess := range cfg.GetSessions() {
		known[sess.ID] = true
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		if known[sessionID] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			continue // Best-effort deletion
		}
		deleted++
	}

	return deleted, nil
}
