// Package manager orchestrates agent sessions: it owns the session registry,
// the per-session agent process, delta coalescing, and observer fan-out.
package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-core/agent"
	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/logger"
	"github.com/agentdeck/agentdeck-core/notify"
	"github.com/agentdeck/agentdeck-core/stream"
	"github.com/agentdeck/agentdeck-core/worktree"
)

// Compile-time interface satisfaction checks.
var (
	_ ManagerConfig = (*config.Config)(nil)
	_ AgentRunner   = (*agent.Process)(nil)
)

// titleGenTimeout bounds the one-shot CLI run that generates a session title.
const titleGenTimeout = 30 * time.Second

// ManagerConfig defines the configuration interface required by
// SessionManager. This decouples it from the concrete config.Config struct.
//
// *config.Config satisfies this interface implicitly.
type ManagerConfig interface {
	GetSession(id string) *config.Session
	GetSessions() []config.Session
	AddSession(session config.Session)
	RemoveSession(id string) bool
	ClearOrphanedParentIDs(deletedIDs []string)
	MarkSessionStarted(sessionID string) bool
	MarkFirstTurnCompleted(sessionID string) bool
	SetSessionTitle(sessionID, title string) bool
	SetSessionModel(sessionID, model string) bool
	GetDefaultModel() string
	GetStreamDeltas() bool
	GetNotificationsEnabled() bool
	Save() error
}

// AgentRunner is the subset of agent.Process the manager drives.
// Tests inject mock runners through RunnerFactory.
type AgentRunner interface {
	SessionID() string
	State() agent.State
	SetModel(model string)
	StartTurn(prompt string) error
	Interrupt() error
	Stop()
}

// RunnerFactory creates the agent process for a session.
type RunnerFactory func(cfg agent.Config, cb agent.Callbacks) AgentRunner

func defaultRunnerFactory(cfg agent.Config, cb agent.Callbacks) AgentRunner {
	return agent.NewProcess(cfg, cb, logger.WithSession(cfg.SessionID))
}

// Status summarizes a session's runtime state for callers.
type Status struct {
	SessionID             string
	State                 agent.State
	IsRunning             bool
	Started               bool
	HasCompletedFirstTurn bool
	Title                 string
}

// sessionHandle bundles everything live for one session.
type sessionHandle struct {
	sessionID string
	runner    AgentRunner
	coal      *coalescer

	mu          sync.Mutex
	messages    []config.Message
	firstPrompt string
}

// SessionManager owns the sessionID→agent process registry and the event
// pipeline between processes and observers.
type SessionManager struct {
	config        ManagerConfig
	worktrees     *worktree.Service // nil disables worktree isolation
	executor      exec.CommandExecutor
	runnerFactory RunnerFactory
	binary        string
	observers     *observerRegistry

	coalesceInterval time.Duration

	mu      sync.RWMutex
	handles map[string]*sessionHandle
}

// NewSessionManager creates a session manager. worktrees may be nil, in
// which case sessions run directly in their project directory.
func NewSessionManager(cfg ManagerConfig, worktrees *worktree.Service, executor exec.CommandExecutor) *SessionManager {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	return &SessionManager{
		config:           cfg,
		worktrees:        worktrees,
		executor:         executor,
		runnerFactory:    defaultRunnerFactory,
		binary:           agent.DefaultBinary,
		observers:        newObserverRegistry(),
		coalesceInterval: DefaultCoalesceInterval,
		handles:          make(map[string]*sessionHandle),
	}
}

// SetRunnerFactory sets a custom runner factory (for testing).
func (sm *SessionManager) SetRunnerFactory(factory RunnerFactory) {
	sm.runnerFactory = factory
}

// SetBinary overrides the agent CLI executable (for testing).
func (sm *SessionManager) SetBinary(binary string) {
	sm.binary = binary
}

// CreateSession registers a new session for a project, creating its isolated
// worktree when worktree isolation is enabled.
func (sm *SessionManager) CreateSession(ctx context.Context, projectPath, model string) (*config.Session, error) {
	id := uuid.NewString()
	log := logger.WithSession(id)

	if model == "" {
		model = sm.config.GetDefaultModel()
	}

	sess := config.Session{
		ID:          id,
		ProjectPath: projectPath,
		Model:       model,
		CreatedAt:   time.Now(),
	}

	if sm.worktrees != nil {
		rec, err := sm.worktrees.Create(ctx, projectPath, id, worktree.CreateOptions{})
		var applyErr *worktree.ApplyError
		if errors.As(err, &applyErr) {
			// The worktree stands at the base commit; the session is still
			// usable without the uncommitted changes.
			log.Warn("uncommitted changes not carried into worktree", "files", applyErr.Files)
		} else if err != nil {
			return nil, err
		}
		sess.WorktreePath = rec.Path
	}

	sm.config.AddSession(sess)
	if err := sm.config.Save(); err != nil {
		log.Error("failed to save config after creating session", "error", err)
		return nil, err
	}

	log.Info("session created", "projectPath", projectPath, "model", model)
	return &sess, nil
}

// GetSession returns the session record, or nil if unknown.
func (sm *SessionManager) GetSession(sessionID string) *config.Session {
	return sm.config.GetSession(sessionID)
}

// ListSessions returns all session records.
func (sm *SessionManager) ListSessions() []config.Session {
	return sm.config.GetSessions()
}

// GetStatus reports a session's runtime state.
func (sm *SessionManager) GetStatus(sessionID string) (*Status, error) {
	sess := sm.config.GetSession(sessionID)
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	status := &Status{
		SessionID:             sessionID,
		State:                 agent.StateIdle,
		Started:               sess.Started,
		HasCompletedFirstTurn: sess.HasCompletedFirstTurn,
		Title:                 sess.Title,
	}

	sm.mu.RLock()
	h := sm.handles[sessionID]
	sm.mu.RUnlock()
	if h != nil {
		status.State = h.runner.State()
		status.IsRunning = status.State == agent.StateRunning
	}
	return status, nil
}

// Subscribe registers an observer. Every event, delta batch, turn end, and
// title broadcast goes to all observers; a slow observer misses
// notifications instead of stalling the pipeline.
func (sm *SessionManager) Subscribe() (string, <-chan Notification) {
	return sm.observers.subscribe()
}

// Unsubscribe removes an observer and closes its channel.
func (sm *SessionManager) Unsubscribe(observerID string) {
	sm.observers.unsubscribe(observerID)
}

// StartTurn sends a prompt to a session's agent process, spawning it if this
// is the session's first turn. Returns *agent.AlreadyRunningError when a
// turn is already in flight.
func (sm *SessionManager) StartTurn(sessionID, prompt string) error {
	sess := sm.config.GetSession(sessionID)
	if sess == nil {
		return &NotFoundError{SessionID: sessionID}
	}

	h := sm.getOrCreateHandle(sess)

	h.mu.Lock()
	if !sess.HasCompletedFirstTurn && h.firstPrompt == "" {
		h.firstPrompt = prompt
	}
	h.mu.Unlock()

	if err := h.runner.StartTurn(prompt); err != nil {
		return err
	}

	h.mu.Lock()
	h.messages = append(h.messages, config.Message{Role: "user", Content: prompt})
	h.mu.Unlock()

	sm.config.MarkSessionStarted(sessionID)
	if err := sm.config.Save(); err != nil {
		logger.WithSession(sessionID).Warn("failed to save config after starting turn", "error", err)
	}
	return nil
}

// Interrupt stops the in-flight turn of a session, if any. The session
// stays usable for further turns.
func (sm *SessionManager) Interrupt(sessionID string) error {
	sm.mu.RLock()
	h := sm.handles[sessionID]
	sm.mu.RUnlock()
	if h == nil {
		if sm.config.GetSession(sessionID) == nil {
			return &NotFoundError{SessionID: sessionID}
		}
		return nil
	}
	return h.runner.Interrupt()
}

// StopSession terminates a session's agent process and releases its handle.
// The session record is kept; a later StartTurn resumes the transcript with
// a fresh process.
func (sm *SessionManager) StopSession(sessionID string) error {
	if sm.config.GetSession(sessionID) == nil {
		return &NotFoundError{SessionID: sessionID}
	}

	sm.mu.Lock()
	h := sm.handles[sessionID]
	delete(sm.handles, sessionID)
	sm.mu.Unlock()

	if h != nil {
		h.runner.Stop()
		h.coal.flush()
		h.coal.stop()
		sm.persistMessages(h)
	}
	return nil
}

// SetModel changes the model a session uses from its next turn onward. An
// in-flight turn keeps the model it started with.
func (sm *SessionManager) SetModel(sessionID, model string) error {
	if !sm.config.SetSessionModel(sessionID, model) {
		return &NotFoundError{SessionID: sessionID}
	}
	if err := sm.config.Save(); err != nil {
		logger.WithSession(sessionID).Warn("failed to save config after model change", "error", err)
	}

	sm.mu.RLock()
	h := sm.handles[sessionID]
	sm.mu.RUnlock()
	if h != nil {
		h.runner.SetModel(model)
	}
	return nil
}

// DeleteSession stops a session, removes its worktree and persisted state,
// and deregisters it.
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	if sm.config.GetSession(sessionID) == nil {
		return &NotFoundError{SessionID: sessionID}
	}
	log := logger.WithSession(sessionID)

	sm.mu.Lock()
	h := sm.handles[sessionID]
	delete(sm.handles, sessionID)
	sm.mu.Unlock()
	if h != nil {
		h.runner.Stop()
		h.coal.stop()
	}

	if sm.worktrees != nil {
		if err := sm.worktrees.Remove(ctx, sessionID); err != nil && !errors.Is(err, worktree.ErrNotRegistered) {
			log.Warn("failed to remove session worktree", "error", err)
		}
	}

	if err := config.DeleteSessionMessages(sessionID); err != nil {
		log.Warn("failed to delete session messages", "error", err)
	}

	sm.config.RemoveSession(sessionID)
	sm.config.ClearOrphanedParentIDs([]string{sessionID})
	if err := sm.config.Save(); err != nil {
		return err
	}

	log.Info("session deleted")
	return nil
}

// Shutdown stops every agent process and closes all observers. The manager
// is not usable afterwards.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	handles := make([]*sessionHandle, 0, len(sm.handles))
	for id, h := range sm.handles {
		handles = append(handles, h)
		delete(sm.handles, id)
	}
	sm.mu.Unlock()

	log := logger.WithComponent("manager")
	log.Info("shutting down all sessions", "count", len(handles))
	for _, h := range handles {
		h.runner.Stop()
		h.coal.flush()
		h.coal.stop()
		sm.persistMessages(h)
	}
	sm.observers.close()
	log.Info("shutdown complete")
}

// getOrCreateHandle returns the live handle for a session, creating the
// agent process on first use. Uses double-checked locking so concurrent
// callers never create duplicate processes.
func (sm *SessionManager) getOrCreateHandle(sess *config.Session) *sessionHandle {
	log := logger.WithSession(sess.ID)

	// Fast path: check with read lock
	sm.mu.RLock()
	if h, exists := sm.handles[sess.ID]; exists {
		sm.mu.RUnlock()
		return h
	}
	sm.mu.RUnlock()

	// Load message history from disk BEFORE acquiring the write lock to
	// avoid blocking all handle lookups during disk I/O.
	messages, err := config.LoadSessionMessages(sess.ID)
	if err != nil {
		log.Warn("failed to load session messages", "error", err)
		messages = nil
	}

	sm.mu.Lock()

	// Double-check: another goroutine may have created the handle while we
	// loaded messages or waited for the lock
	if h, exists := sm.handles[sess.ID]; exists {
		sm.mu.Unlock()
		return h
	}

	h := &sessionHandle{
		sessionID: sess.ID,
		messages:  messages,
	}
	h.coal = newCoalescer(sess.ID, sm.coalesceInterval, func(sessionID, text string) {
		sm.observers.publish(Notification{
			SessionID: sessionID,
			Kind:      KindDeltaBatch,
			DeltaText: text,
		})
	})

	workingDir := sess.WorktreePath
	if workingDir == "" {
		workingDir = sess.ProjectPath
	}
	model := sess.Model
	if model == "" {
		model = sm.config.GetDefaultModel()
	}
	cfg := agent.Config{
		SessionID:    sess.ID,
		WorkingDir:   workingDir,
		Model:        model,
		StreamDeltas: sm.config.GetStreamDeltas(),
		Resume:       sess.Started,
		Binary:       sm.binary,
	}
	// A child with a parent but no transcript of its own boots off the
	// parent's transcript via the CLI's native fork flag. Children made by
	// ForkSession carry their own transcript copy and resume instead.
	if !sess.Started && sess.ParentID != "" {
		cfg.ForkFromSessionID = sess.ParentID
	}

	h.runner = sm.runnerFactory(cfg, agent.Callbacks{
		OnEvent: func(ev stream.Event) {
			sm.handleEvent(h, ev)
		},
		OnParseError: func(perr *stream.ParseError) {
			log.Warn("stream parse error", "error", perr)
		},
		OnTurnEnded: func(res agent.TurnResult) {
			sm.handleTurnEnded(h, res)
		},
	})

	sm.handles[sess.ID] = h
	sm.mu.Unlock()

	log.Debug("created agent process handle", "workingDir", workingDir, "model", model)
	return h
}

// handleEvent routes one stream event: deltas buffer in the coalescer,
// anything else flushes buffered deltas first so order is preserved.
func (sm *SessionManager) handleEvent(h *sessionHandle, ev stream.Event) {
	if ev.Type == stream.EventDelta {
		h.coal.add(ev.Text)
		return
	}

	h.coal.flush()

	evCopy := ev
	sm.observers.publish(Notification{
		SessionID: h.sessionID,
		Kind:      KindEvent,
		Event:     &evCopy,
	})

	if ev.Type == stream.EventText {
		h.mu.Lock()
		h.messages = append(h.messages, config.Message{Role: "assistant", Content: ev.Text})
		h.mu.Unlock()
	}
}

// handleTurnEnded finishes the turn pipeline: flush deltas, broadcast the
// result, persist state, and fire first-turn side effects.
func (sm *SessionManager) handleTurnEnded(h *sessionHandle, res agent.TurnResult) {
	log := logger.WithSession(h.sessionID)
	h.coal.flush()

	resCopy := res
	sm.observers.publish(Notification{
		SessionID: h.sessionID,
		Kind:      KindTurnEnded,
		Result:    &resCopy,
	})

	sm.persistMessages(h)

	if res.Err != nil || res.Interrupted {
		return
	}

	sess := sm.config.GetSession(h.sessionID)
	if sess == nil {
		return
	}
	firstTurn := !sess.HasCompletedFirstTurn

	sm.config.MarkFirstTurnCompleted(h.sessionID)
	if err := sm.config.Save(); err != nil {
		log.Warn("failed to save config after turn", "error", err)
	}

	if firstTurn {
		h.mu.Lock()
		prompt := h.firstPrompt
		h.mu.Unlock()
		if prompt != "" {
			go sm.generateTitle(h.sessionID, prompt)
		}
	}

	if sm.config.GetNotificationsEnabled() {
		title := sess.Title
		if err := notify.TurnCompleted(title); err != nil {
			log.Debug("desktop notification failed", "error", err)
		}
	}
}

// persistMessages saves the session's message mirror to disk.
func (sm *SessionManager) persistMessages(h *sessionHandle) {
	h.mu.Lock()
	messages := make([]config.Message, len(h.messages))
	copy(messages, h.messages)
	h.mu.Unlock()

	if len(messages) == 0 {
		return
	}
	if err := config.SaveSessionMessages(h.sessionID, messages, config.MaxSessionMessages); err != nil {
		logger.WithSession(h.sessionID).Error("failed to save session messages", "error", err)
	}
}

// generateTitle runs the agent CLI one-shot to produce a short session
// title from the initial prompt. Best-effort: any failure leaves the
// default title in place.
func (sm *SessionManager) generateTitle(sessionID, prompt string) {
	log := logger.WithSession(sessionID)
	sess := sm.config.GetSession(sessionID)
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleGenTimeout)
	defer cancel()

	out, err := sm.executor.Output(ctx, sess.ProjectPath, sm.binary,
		"-p", "Reply with only a short title, at most 50 characters, no quotes, summarizing this request: "+prompt)
	if err != nil {
		log.Debug("title generation failed", "error", err)
		return
	}

	title := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if len(title) > 60 {
		title = title[:60]
	}
	if title == "" {
		return
	}

	sm.config.SetSessionTitle(sessionID, title)
	if err := sm.config.Save(); err != nil {
		log.Warn("failed to save config after title generation", "error", err)
	}

	sm.observers.publish(Notification{
		SessionID: sessionID,
		Kind:      KindTitle,
		Title:     title,
	})
	log.Debug("session title generated", "title", title)
}
