package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck-core/logger"
)

// Record describes one isolated worktree in the durable registry.
type Record struct {
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	Path        string    `json:"path"`
	BaseCommit  string    `json:"base_commit"`
	BaseBranch  string    `json:"base_branch,omitempty"` // branch the base commit was resolved from, if not HEAD
	BranchName  string    `json:"branch_name,omitempty"` // set once the detached HEAD is promoted to a branch
	CreatedAt   time.Time `json:"created_at"`
}

// registryFile is the on-disk JSON shape of the registry.
type registryFile struct {
	Worktrees []Record `json:"worktrees"`
}

// Registry is the durable session→worktree mapping, backed by a JSON file.
// It survives restarts so worktrees can be reattached or cleaned up later.
type Registry struct {
	mu       sync.Mutex
	filePath string
	records  map[string]Record
	loaded   bool
}

// NewRegistry creates a registry backed by the given file. The file is read
// lazily on first access.
func NewRegistry(filePath string) *Registry {
	return &Registry{filePath: filePath}
}

// ensureLoaded reads the registry file if it hasn't been read yet.
// Entries whose worktree path no longer exists on disk are dropped.
// Caller must hold mu.
func (r *Registry) ensureLoaded() error {
	if r.loaded {
		return nil
	}
	r.records = make(map[string]Record)
	r.loaded = true

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse worktree registry: %w", err)
	}

	log := logger.WithComponent("worktree")
	dropped := 0
	for _, rec := range file.Worktrees {
		if _, err := os.Stat(rec.Path); err != nil {
			dropped++
			continue
		}
		r.records[rec.SessionID] = rec
	}
	if dropped > 0 {
		log.Info("dropped stale worktree registry entries", "count", dropped)
		if err := r.saveLocked(); err != nil {
			log.Warn("failed to persist registry after dropping stale entries", "error", err)
		}
	}
	return nil
}

// saveLocked writes the registry to disk. Caller must hold mu.
func (r *Registry) saveLocked() error {
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(registryFile{Worktrees: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worktree registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.WriteFile(r.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write worktree registry: %w", err)
	}
	return nil
}

// Get returns the record for a session, if registered.
func (r *Registry) Get(sessionID string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return Record{}, false, err
	}
	rec, ok := r.records[sessionID]
	return rec, ok, nil
}

// List returns all registered records.
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	return records, nil
}

// Put registers a record and persists the registry.
func (r *Registry) Put(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	r.records[rec.SessionID] = rec
	return r.saveLocked()
}

// Delete removes a session's record and persists the registry.
// Deleting an unknown session is a no-op.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := r.records[sessionID]; !ok {
		return nil
	}
	delete(r.records, sessionID)
	return r.saveLocked()
}
