package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentdeck/agentdeck-core/paths"
)

// Config holds the application configuration
type Config struct {
	Projects []string  `json:"projects"`
	Sessions []Session `json:"sessions"`

	DefaultModel         string `json:"default_model,omitempty"`         // Model used when a session doesn't specify one
	NotificationsEnabled bool   `json:"notifications_enabled,omitempty"` // Desktop notifications when a turn completes
	StreamDeltas         bool   `json:"stream_deltas,omitempty"`         // Request partial text deltas from the agent CLI

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Projects: []string{},
		Sessions: []Session{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	// This must happen before Validate() since Validate() only reads
	cfg.ensureInitialized()

	// Validate loaded config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all slices are initialized (not nil).
//
// Thread-safety: This method is NOT thread-safe and must only be called
// during single-threaded initialization (i.e., from Load() before the Config
// is shared across goroutines).
func (c *Config) ensureInitialized() {
	if c.Projects == nil {
		c.Projects = []string{}
	}
	if c.Sessions == nil {
		c.Sessions = []Session{}
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Check for duplicate session IDs
	seenIDs := make(map[string]bool)
	for _, sess := range c.Sessions {
		if sess.ID == "" {
			return fmt.Errorf("session with empty ID found")
		}
		if seenIDs[sess.ID] {
			return fmt.Errorf("duplicate session ID: %s", sess.ID)
		}
		seenIDs[sess.ID] = true

		if sess.ProjectPath == "" {
			return fmt.Errorf("session %s has empty project path", sess.ID)
		}
	}

	// Check for duplicate projects (filesystem-aware: handles case, symlinks)
	for i, project := range c.Projects {
		if project == "" {
			return fmt.Errorf("empty project path found")
		}
		for j := i + 1; j < len(c.Projects); j++ {
			if SamePath(project, c.Projects[j]) {
				return fmt.Errorf("duplicate project: %s", project)
			}
		}
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// AddProject adds a project path if it doesn't already exist.
// The path is resolved to an absolute path before storing.
func (c *Config) AddProject(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	// Check if already exists (filesystem-aware: handles case, symlinks)
	for _, p := range c.Projects {
		if SamePath(p, absPath) {
			return false
		}
	}

	c.Projects = append(c.Projects, absPath)
	return true
}

// RemoveProject removes a project from the config.
// Returns true if the project was found and removed, false otherwise.
func (c *Config) RemoveProject(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.Projects {
		if SamePath(p, path) {
			c.Projects = append(c.Projects[:i], c.Projects[i+1:]...)
			return true
		}
	}
	return false
}

// GetProjects returns a copy of the projects slice
func (c *Config) GetProjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	projects := make([]string, len(c.Projects))
	copy(projects, c.Projects)
	return projects
}

// GetDefaultModel returns the configured default model, or empty string for
// the CLI's own default.
func (c *Config) GetDefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultModel
}

// SetDefaultModel sets the default model
func (c *Config) SetDefaultModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultModel = model
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationsEnabled
}

// SetNotificationsEnabled sets whether desktop notifications are enabled
func (c *Config) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NotificationsEnabled = enabled
}

// GetStreamDeltas returns whether partial text deltas are requested
func (c *Config) GetStreamDeltas() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StreamDeltas
}

// SetStreamDeltas sets whether partial text deltas are requested
func (c *Config) SetStreamDeltas(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StreamDeltas = enabled
}
