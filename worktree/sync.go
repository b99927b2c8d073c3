package worktree

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentdeck/agentdeck-core/logger"
)

// SyncMode controls how changes are applied to the target tree.
type SyncMode string

const (
	// ModeOverwrite discards the target's local changes before applying.
	ModeOverwrite SyncMode = "overwrite"
	// ModeApply layers the patch on top of the target's current state.
	ModeApply SyncMode = "apply"
)

// ApplyError reports a patch that could not be applied cleanly.
type ApplyError struct {
	Files  []string // files the patch failed on, when identifiable
	Output string   // git apply output
	Err    error
}

func (e *ApplyError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("patch failed to apply to %s", strings.Join(e.Files, ", "))
	}
	return fmt.Sprintf("patch failed to apply: %v", e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// SyncToLocal copies the worktree's changes back into the project checkout.
func (s *Service) SyncToLocal(ctx context.Context, sessionID string, mode SyncMode) error {
	rec, ok, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, sessionID)
	}
	return s.sync(ctx, sessionID, rec.Path, rec.ProjectPath, mode)
}

// SyncFromLocal copies the project checkout's changes into the worktree.
func (s *Service) SyncFromLocal(ctx context.Context, sessionID string, mode SyncMode) error {
	rec, ok, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, sessionID)
	}
	return s.sync(ctx, sessionID, rec.ProjectPath, rec.Path, mode)
}

// sync carries src's state into dst as a binary patch.
//
// Overwrite discards dst's local state entirely: hard-reset to src's tip,
// clean, then apply src's uncommitted changes. Apply preserves dst's
// history: the patch base is the merge-base of the two HEADs, so commits
// made in either tree don't produce a bogus patch.
func (s *Service) sync(ctx context.Context, sessionID, src, dst string, mode SyncMode) error {
	log := logger.WithSession(sessionID)

	srcHead, err := s.headCommit(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to resolve source HEAD: %w", err)
	}

	var base string
	switch mode {
	case ModeOverwrite:
		if output, err := s.executor.CombinedOutput(ctx, dst, "git", "reset", "--hard", srcHead); err != nil {
			return fmt.Errorf("failed to reset target: %s: %w", strings.TrimSpace(string(output)), err)
		}
		if output, err := s.executor.CombinedOutput(ctx, dst, "git", "clean", "-fd"); err != nil {
			return fmt.Errorf("failed to clean target: %s: %w", strings.TrimSpace(string(output)), err)
		}
		base = srcHead
	default:
		dstHead, err := s.headCommit(ctx, dst)
		if err != nil {
			return fmt.Errorf("failed to resolve target HEAD: %w", err)
		}
		base = dstHead
		if srcHead != dstHead {
			output, err := s.executor.Output(ctx, src, "git", "merge-base", srcHead, dstHead)
			if err != nil {
				return fmt.Errorf("failed to find merge base: %w", err)
			}
			base = strings.TrimSpace(string(output))
		}
	}

	patch, err := s.diffPatch(ctx, src, base)
	if err != nil {
		return fmt.Errorf("failed to capture changes: %w", err)
	}
	if len(patch) == 0 {
		log.Debug("sync: no changes to carry", "src", src, "dst", dst)
		return nil
	}

	if err := s.applyPatch(ctx, dst, patch); err != nil {
		return err
	}
	log.Info("synced changes", "src", src, "dst", dst, "mode", string(mode), "patchBytes", len(patch))
	return nil
}

// diffPatch captures dir's changes since base as a binary patch, including
// untracked files. The source tree's index is left exactly as it was found.
func (s *Service) diffPatch(ctx context.Context, dir, base string) ([]byte, error) {
	// git diff does not see untracked files. Stage them as intent-to-add
	// for the duration of the diff, then unstage those same paths so the
	// caller's index is untouched.
	untracked, err := s.untrackedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(untracked) > 0 {
		addArgs := append([]string{"add", "--intent-to-add", "--"}, untracked...)
		if output, err := s.executor.CombinedOutput(ctx, dir, "git", addArgs...); err != nil {
			return nil, fmt.Errorf("failed to stage untracked files: %s: %w", strings.TrimSpace(string(output)), err)
		}
		defer func() {
			resetArgs := append([]string{"reset", "-q", "--"}, untracked...)
			if output, err := s.executor.CombinedOutput(ctx, dir, "git", resetArgs...); err != nil {
				logger.WithComponent("worktree").Warn("failed to unstage intent-to-add entries",
					"dir", dir, "output", strings.TrimSpace(string(output)), "error", err)
			}
		}()
	}

	patch, err := s.executor.Output(ctx, dir, "git", "diff", "--binary", "--no-ext-diff", base)
	if err != nil {
		return nil, fmt.Errorf("failed to generate patch: %w", err)
	}
	return patch, nil
}

// untrackedFiles lists paths in dir that git does not track, honoring ignore
// rules.
func (s *Service) untrackedFiles(ctx context.Context, dir string) ([]string, error) {
	output, err := s.executor.Output(ctx, dir, "git", "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("failed to list untracked files: %w", err)
	}
	var files []string
	for _, f := range strings.Split(string(output), "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// applyPatch applies a binary patch in dir, preferring a 3-way merge so
// context drift doesn't immediately fail the apply.
func (s *Service) applyPatch(ctx context.Context, dir string, patch []byte) error {
	tmp, err := os.CreateTemp("", "agentdeck-patch-*.diff")
	if err != nil {
		return fmt.Errorf("failed to create patch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(patch); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close patch file: %w", err)
	}

	output, err := s.executor.CombinedOutput(ctx, dir, "git", "apply", "--3way", tmp.Name())
	if err == nil {
		return nil
	}

	// Older repos without blob availability can fail 3-way; try a plain
	// apply before giving up.
	plainOutput, plainErr := s.executor.CombinedOutput(ctx, dir, "git", "apply", tmp.Name())
	if plainErr == nil {
		return nil
	}

	combined := strings.TrimSpace(string(output)) + "\n" + strings.TrimSpace(string(plainOutput))
	return &ApplyError{
		Files:  failedFiles(combined),
		Output: combined,
		Err:    err,
	}
}

// failedFiles extracts file paths from git apply failure output, lines like
// "error: patch failed: path/to/file:12".
func failedFiles(output string) []string {
	var files []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "error: patch failed: ")
		if !ok {
			continue
		}
		if idx := strings.LastIndex(rest, ":"); idx > 0 {
			rest = rest[:idx]
		}
		if !seen[rest] {
			seen[rest] = true
			files = append(files, rest)
		}
	}
	return files
}
