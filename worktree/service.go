// Package worktree isolates agent sessions from each other and from the
// user's checkout by giving each session its own detached-HEAD git worktree.
// Changes flow between a worktree and the project through patch-based sync
// operations, and a durable registry tracks every worktree for cleanup.
package worktree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/logger"
	"github.com/agentdeck/agentdeck-core/paths"
)

// ErrNotRegistered is returned for operations on a session with no worktree.
var ErrNotRegistered = errors.New("worktree not registered")

// MaxBranchNameLength is the maximum length for user-provided branch names.
const MaxBranchNameLength = 100

// validBranchNameRegex matches valid git branch name characters.
// Git branch names cannot contain space, ~, ^, :, ?, *, [, \, or control
// characters, cannot start with -, and cannot end with .lock.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateBranchName checks if a branch name is valid for git.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(branch) > MaxBranchNameLength {
		return fmt.Errorf("branch name too long (max %d characters)", MaxBranchNameLength)
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with '.lock'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !validBranchNameRegex.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters (use letters, numbers, /, _, ., -)")
	}
	return nil
}

// Service creates, syncs, and removes isolated worktrees.
type Service struct {
	executor exec.CommandExecutor
	registry *Registry
	root     string // directory holding all worktrees
}

// NewService creates a Service using the default registry and worktrees
// directory under the data dir.
func NewService(executor exec.CommandExecutor) (*Service, error) {
	root, err := paths.WorktreesDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktrees directory: %w", err)
	}
	regPath, err := paths.WorktreeRegistryPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree registry path: %w", err)
	}
	return &Service{
		executor: executor,
		registry: NewRegistry(regPath),
		root:     root,
	}, nil
}

// NewServiceAt creates a Service rooted at an explicit directory with an
// explicit registry. Intended for tests.
func NewServiceAt(executor exec.CommandExecutor, root string, registry *Registry) *Service {
	return &Service{executor: executor, registry: registry, root: root}
}

// PathFor returns the deterministic worktree path for a project/session pair.
// The same inputs always map to the same path, so a crashed run can find its
// worktree again.
func (s *Service) PathFor(projectPath, sessionID string) string {
	sum := sha256.Sum256([]byte(projectPath + "\x00" + sessionID))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])[:16])
}

// Registry exposes the durable registry, primarily for listing.
func (s *Service) Registry() *Registry {
	return s.registry
}

// ValidateRepo checks that a path is usable as a session project: an
// absolute path inside a git repository.
func (s *Service) ValidateRepo(ctx context.Context, path string) error {
	if strings.HasPrefix(path, "~") {
		return fmt.Errorf("please use an absolute path instead of ~")
	}
	output, err := s.executor.CombinedOutput(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		return fmt.Errorf("not a git repository: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// GitRoot returns the repository root for a path, or "" outside a repo.
func (s *Service) GitRoot(ctx context.Context, path string) string {
	output, err := s.executor.Output(ctx, path, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// CreateOptions tunes worktree creation. The zero value checks out the
// project's HEAD and carries its uncommitted changes over.
type CreateOptions struct {
	// BaseBranch pins the worktree's base to a branch instead of HEAD.
	BaseBranch string
	// SkipChanges leaves the project's uncommitted changes behind.
	SkipChanges bool
}

// Create makes an isolated worktree for the session: a detached-HEAD checkout
// of the base commit at a deterministic path, with the project's uncommitted
// changes carried over as a patch unless opts says otherwise.
//
// A failed patch application is not fatal: the worktree stands at the base
// commit and Create returns the record together with an *ApplyError so the
// caller can surface the partial carry-over.
func (s *Service) Create(ctx context.Context, projectPath, sessionID string, opts CreateOptions) (*Record, error) {
	log := logger.WithSession(sessionID)
	startTime := time.Now()
	log.Info("creating worktree", "projectPath", projectPath, "baseBranch", opts.BaseBranch)

	baseRef := "HEAD"
	if opts.BaseBranch != "" {
		baseRef = opts.BaseBranch
	}
	baseCommit, err := s.resolveCommit(ctx, projectPath, baseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base %s: %w", baseRef, err)
	}

	worktreePath := s.PathFor(projectPath, sessionID)
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	output, err := s.executor.CombinedOutput(ctx, projectPath,
		"git", "worktree", "add", "--detach", worktreePath, baseCommit)
	if err != nil {
		log.Error("failed to create worktree", "output", string(output), "error", err)
		return nil, fmt.Errorf("failed to create worktree: %s: %w", strings.TrimSpace(string(output)), err)
	}

	rec := Record{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Path:        worktreePath,
		BaseCommit:  baseCommit,
		BaseBranch:  opts.BaseBranch,
		CreatedAt:   time.Now(),
	}
	if err := s.registry.Put(rec); err != nil {
		return nil, err
	}

	// Carry the project's uncommitted changes into the worktree.
	var applyErr error
	if !opts.SkipChanges {
		patch, err := s.diffPatch(ctx, projectPath, "HEAD")
		if err != nil {
			log.Warn("failed to capture uncommitted changes", "error", err)
		} else if len(patch) > 0 {
			if err := s.applyPatch(ctx, worktreePath, patch); err != nil {
				log.Warn("failed to carry uncommitted changes into worktree", "error", err)
				applyErr = err
			}
		}
	}

	log.Info("worktree created",
		"path", worktreePath,
		"baseCommit", baseCommit,
		"duration", time.Since(startTime))
	return &rec, applyErr
}

// Remove deletes a session's worktree and deregisters it. Removal is
// forceful: uncommitted changes in the worktree are discarded.
func (s *Service) Remove(ctx context.Context, sessionID string) error {
	log := logger.WithSession(sessionID)

	rec, ok, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, sessionID)
	}

	log.Info("removing worktree", "path", rec.Path)
	output, err := s.executor.CombinedOutput(ctx, rec.ProjectPath,
		"git", "worktree", "remove", rec.Path, "--force")
	if err != nil {
		// The worktree may be damaged or its repo gone; fall back to a
		// direct delete so the path doesn't linger.
		log.Warn("git worktree remove failed, removing directly", "output", string(output), "error", err)
		if rmErr := os.RemoveAll(rec.Path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree: %w", rmErr)
		}
	}

	if output, err := s.executor.CombinedOutput(ctx, rec.ProjectPath, "git", "worktree", "prune"); err != nil {
		log.Warn("worktree prune failed (best-effort)", "output", string(output), "error", err)
	}

	return s.registry.Delete(sessionID)
}

// CreateBranch promotes the worktree's detached HEAD to a named branch so
// the session's work can outlive the worktree.
func (s *Service) CreateBranch(ctx context.Context, sessionID, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}

	rec, ok, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, sessionID)
	}

	output, err := s.executor.CombinedOutput(ctx, rec.Path, "git", "checkout", "-b", branch)
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %s: %w", branch, strings.TrimSpace(string(output)), err)
	}

	rec.BranchName = branch
	if err := s.registry.Put(rec); err != nil {
		return fmt.Errorf("failed to record branch: %w", err)
	}
	logger.WithSession(sessionID).Info("created branch from worktree", "branch", branch)
	return nil
}

// Status holds a worktree's porcelain status and unified diff.
type Status struct {
	Porcelain string // git status --porcelain output
	Diff      string // unified diff against HEAD
}

// Diff returns the worktree's current changes relative to its HEAD.
func (s *Service) Diff(ctx context.Context, sessionID string) (*Status, error) {
	rec, ok, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, sessionID)
	}

	status, err := s.executor.Output(ctx, rec.Path, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w", err)
	}
	diff, err := s.executor.Output(ctx, rec.Path, "git", "diff", "--no-ext-diff", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree diff: %w", err)
	}

	return &Status{
		Porcelain: string(status),
		Diff:      string(diff),
	}, nil
}

// CleanupAll removes every registered worktree and prunes orphaned worktree
// directories left under the root by earlier crashes. Returns the number of
// worktrees removed.
func (s *Service) CleanupAll(ctx context.Context) (int, error) {
	log := logger.WithComponent("worktree")

	records, err := s.registry.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if err := s.Remove(ctx, rec.SessionID); err != nil {
			log.Warn("failed to remove worktree during cleanup", "sessionID", rec.SessionID, "error", err)
			continue
		}
		removed++
	}

	removed += s.pruneOrphans(ctx, log)
	return removed, nil
}

// pruneOrphans deletes directories under the worktree root that no registry
// entry claims. Returns the number pruned.
func (s *Service) pruneOrphans(ctx context.Context, log *slog.Logger) int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}

	known := make(map[string]bool)
	if records, err := s.registry.List(); err == nil {
		for _, rec := range records {
			known[rec.Path] = true
		}
	}

	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if known[path] {
			continue
		}

		log.Info("pruning orphaned worktree", "path", path)

		// Find which repo owns the worktree so git can deregister it.
		if repoPath, err := worktreeRepoPath(path); err == nil {
			if _, _, err := s.executor.Run(ctx, repoPath, "git", "worktree", "remove", path, "--force"); err == nil {
				s.executor.Run(ctx, repoPath, "git", "worktree", "prune")
				pruned++
				continue
			}
			s.executor.Run(ctx, repoPath, "git", "worktree", "prune")
		}

		if err := os.RemoveAll(path); err != nil {
			log.Warn("failed to remove orphaned worktree", "path", path, "error", err)
			continue
		}
		pruned++
	}
	return pruned
}

// headCommit resolves HEAD in the given directory.
func (s *Service) headCommit(ctx context.Context, dir string) (string, error) {
	return s.resolveCommit(ctx, dir, "HEAD")
}

// resolveCommit resolves a ref (branch, tag, or HEAD) to a commit hash.
func (s *Service) resolveCommit(ctx context.Context, dir, ref string) (string, error) {
	output, err := s.executor.Output(ctx, dir, "git", "rev-parse", ref)
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(output))
	if commit == "" {
		return "", fmt.Errorf("empty %s in %s", ref, dir)
	}
	return commit, nil
}

// worktreeRepoPath determines which repository a worktree belongs to by
// reading its .git file, which points at the main repo's
// .git/worktrees/<name> directory.
func worktreeRepoPath(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return "", fmt.Errorf("failed to read .git file: %w", err)
	}

	// Content is like: "gitdir: /path/to/repo/.git/worktrees/<name>"
	line := strings.TrimSpace(string(content))
	gitdir, ok := strings.CutPrefix(line, "gitdir: ")
	if !ok {
		return "", fmt.Errorf("invalid .git file format: %s", line)
	}

	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(worktreePath, gitdir)
	}

	// gitdir is /path/to/repo/.git/worktrees/<name>; we want /path/to/repo.
	parts := strings.Split(filepath.Clean(gitdir), string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == ".git" {
			repoPath := filepath.Join(string(filepath.Separator), filepath.Join(parts[:i]...))
			if resolved, err := filepath.EvalSymlinks(repoPath); err == nil {
				return resolved, nil
			}
			return repoPath, nil
		}
	}
	return "", fmt.Errorf("could not find .git directory in path: %s", gitdir)
}
