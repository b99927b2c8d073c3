package config

import (
	"time"
)

// Session represents one agent conversation with its own isolated worktree
type Session struct {
	ID           string    `json:"id"`
	ProjectPath  string    `json:"project_path"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	Model        string    `json:"model,omitempty"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	Started               bool   `json:"started,omitempty"`                  // Whether the agent CLI has been spawned at least once
	HasCompletedFirstTurn bool   `json:"has_completed_first_turn,omitempty"` // Whether at least one turn finished
	ParentID              string `json:"parent_id,omitempty"`                // ID of parent session if this is a fork
}

// AddSession adds a new session
func (c *Config) AddSession(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Sessions = append(c.Sessions, session)
}

// RemoveSession removes a session by ID
func (c *Config) RemoveSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.Sessions {
		if s.ID == id {
			c.Sessions = append(c.Sessions[:i], c.Sessions[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveSessions removes multiple sessions by ID. Returns the count of sessions removed.
func (c *Config) RemoveSessions(ids []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	removed := 0
	remaining := make([]Session, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		if idSet[s.ID] {
			removed++
		} else {
			remaining = append(remaining, s)
		}
	}
	c.Sessions = remaining
	return removed
}

// ClearOrphanedParentIDs clears ParentID references that point to any of the deleted session IDs.
// This prevents fork children from referencing non-existent parents.
func (c *Config) ClearOrphanedParentIDs(deletedIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idSet := make(map[string]bool, len(deletedIDs))
	for _, id := range deletedIDs {
		idSet[id] = true
	}

	for i := range c.Sessions {
		if c.Sessions[i].ParentID != "" && idSet[c.Sessions[i].ParentID] {
			c.Sessions[i].ParentID = ""
		}
	}
}

// ClearSessions removes all sessions
func (c *Config) ClearSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions = []Session{}
}

// GetSession returns a copy of a session by ID.
// Returns nil if no session with the given ID exists.
func (c *Config) GetSession(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == id {
			sess := c.Sessions[i] // copy
			return &sess
		}
	}
	return nil
}

// GetSessions returns a copy of the sessions slice
func (c *Config) GetSessions() []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := make([]Session, len(c.Sessions))
	copy(sessions, c.Sessions)
	return sessions
}

// GetSessionsByProject returns all sessions belonging to the given project
func (c *Config) GetSessionsByProject(projectPath string) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sessions []Session
	for _, s := range c.Sessions {
		if SamePath(s.ProjectPath, projectPath) {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// MarkSessionStarted marks a session as started with the agent CLI
func (c *Config) MarkSessionStarted(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			c.Sessions[i].Started = true
			return true
		}
	}
	return false
}

// MarkFirstTurnCompleted records that a session finished its first turn
func (c *Config) MarkFirstTurnCompleted(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			c.Sessions[i].HasCompletedFirstTurn = true
			return true
		}
	}
	return false
}

// SetSessionTitle updates the display title of a session
func (c *Config) SetSessionTitle(sessionID, title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			c.Sessions[i].Title = title
			return true
		}
	}
	return false
}

// SetSessionModel updates the model a session uses for its next turn
func (c *Config) SetSessionModel(sessionID, model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			c.Sessions[i].Model = model
			return true
		}
	}
	return false
}

// UpdateSessionWorktree updates the worktree path for a session.
func (c *Config) UpdateSessionWorktree(sessionID string, worktreePath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			c.Sessions[i].WorktreePath = worktreePath
			return true
		}
	}
	return false
}
