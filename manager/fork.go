package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/logger"
	"github.com/agentdeck/agentdeck-core/worktree"
)

// escapeProjectPath converts a working directory to the flattened directory
// name the agent CLI uses under ~/.claude/projects. Both path separators and
// dots collapse to dashes.
func escapeProjectPath(path string) string {
	return strings.NewReplacer("/", "-", ".", "-").Replace(path)
}

// TranscriptDir returns the directory where the agent CLI keeps transcript
// JSONL files for sessions running in workingDir.
func TranscriptDir(workingDir string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects", escapeProjectPath(workingDir)), nil
}

// transcriptPath returns where the agent CLI stores the transcript JSONL for
// a session running in workingDir.
func transcriptPath(workingDir, sessionID string) (string, error) {
	dir, err := TranscriptDir(workingDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID+".jsonl"), nil
}

func copyTranscript(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// ForkSession splits a session into two independent children. Each child gets
// its own worktree seeded from the parent's project state and a private copy
// of the parent's transcript under the child's own identity, so both resume
// the conversation where the parent left off and then diverge freely.
//
// The fork is atomic: if anything fails, no child is registered and any
// partially created worktrees and transcript copies are removed.
func (sm *SessionManager) ForkSession(ctx context.Context, parentID string) (*config.Session, *config.Session, error) {
	parent := sm.config.GetSession(parentID)
	if parent == nil {
		return nil, nil, &NotFoundError{SessionID: parentID}
	}
	if !parent.HasCompletedFirstTurn {
		return nil, nil, fmt.Errorf("session %s has no completed turn to fork from", parentID)
	}
	log := logger.WithSession(parentID)

	parentDir := parent.WorktreePath
	if parentDir == "" {
		parentDir = parent.ProjectPath
	}
	srcPath, err := transcriptPath(parentDir, parentID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(srcPath); err != nil {
		return nil, nil, fmt.Errorf("parent transcript not found at %s: %w", srcPath, err)
	}

	var (
		children    []config.Session
		worktreeIDs []string
		transcripts []string
	)
	rollback := func() {
		for _, p := range transcripts {
			os.Remove(p)
		}
		if sm.worktrees != nil {
			for _, id := range worktreeIDs {
				if rerr := sm.worktrees.Remove(ctx, id); rerr != nil {
					log.Warn("failed to roll back fork worktree", "childID", id, "error", rerr)
				}
			}
		}
	}

	for i := 0; i < 2; i++ {
		childID := uuid.NewString()
		child := config.Session{
			ID:          childID,
			ProjectPath: parent.ProjectPath,
			Model:       parent.Model,
			CreatedAt:   time.Now(),
			ParentID:    parentID,
			// The child owns a transcript from birth, so its first turn
			// resumes rather than starting fresh.
			Started: true,
		}

		if sm.worktrees != nil {
			rec, werr := sm.worktrees.Create(ctx, parent.ProjectPath, childID, worktree.CreateOptions{})
			var applyErr *worktree.ApplyError
			if errors.As(werr, &applyErr) {
				log.Warn("uncommitted changes not carried into fork worktree",
					"childID", childID, "files", applyErr.Files)
			} else if werr != nil {
				rollback()
				return nil, nil, fmt.Errorf("failed to create fork worktree: %w", werr)
			}
			child.WorktreePath = rec.Path
			worktreeIDs = append(worktreeIDs, childID)
		}

		childDir := child.WorktreePath
		if childDir == "" {
			childDir = child.ProjectPath
		}
		dstPath, perr := transcriptPath(childDir, childID)
		if perr == nil {
			perr = copyTranscript(srcPath, dstPath)
		}
		if perr != nil {
			rollback()
			return nil, nil, fmt.Errorf("failed to copy transcript for fork: %w", perr)
		}
		transcripts = append(transcripts, dstPath)

		children = append(children, child)
	}

	for _, child := range children {
		sm.config.AddSession(child)
	}
	if err := sm.config.Save(); err != nil {
		for _, child := range children {
			sm.config.RemoveSession(child.ID)
		}
		rollback()
		return nil, nil, err
	}

	log.Info("session forked", "forkA", children[0].ID, "forkB", children[1].ID)
	return &children[0], &children[1], nil
}
