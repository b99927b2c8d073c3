package main

import (
	"fmt"

	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/manager"
	"github.com/agentdeck/agentdeck-core/worktree"
)

// services bundles the core layers a command needs.
type services struct {
	cfg       *config.Config
	worktrees *worktree.Service
	sessions  *manager.SessionManager
}

func loadServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	executor := exec.GetDefaultExecutor()
	worktrees, err := worktree.NewService(executor)
	if err != nil {
		return nil, err
	}

	return &services{
		cfg:       cfg,
		worktrees: worktrees,
		sessions:  manager.NewSessionManager(cfg, worktrees, executor),
	}, nil
}

// resolveWorkingDir returns the directory a session's agent runs in.
func resolveWorkingDir(sess *config.Session) string {
	if sess.WorktreePath != "" {
		return sess.WorktreePath
	}
	return sess.ProjectPath
}
