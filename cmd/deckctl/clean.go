package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/logger"
	"github.com/agentdeck/agentdeck-core/procscan"
)

var skipConfirm bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove all sessions, worktrees, logs, and orphaned agent processes",
	Long: `Clears all session data, removes every managed worktree, deletes log
files, and kills agent processes whose sessions are no longer known.

Prompts for confirmation unless --yes is given.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting the confirmation input for testing.
func runCleanWithReader(input io.Reader) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessionCount := len(svc.cfg.GetSessions())
	fmt.Printf("This will remove %d session(s), all managed worktrees, and all logs.\n", sessionCount)

	if !skipConfirm && !confirm(input) {
		fmt.Println("Aborted.")
		return nil
	}

	// Kill stray agent processes first so nothing rewrites state mid-clean.
	scanner := procscan.NewScanner(exec.GetDefaultExecutor())
	if killed, err := scanner.CleanupOrphaned(ctx, map[string]bool{}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error killing orphaned processes: %v\n", err)
	} else if killed > 0 {
		fmt.Printf("Killed %d orphaned agent process(es)\n", killed)
	}

	removed, err := svc.worktrees.CleanupAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error removing worktrees: %v\n", err)
	} else if removed > 0 {
		fmt.Printf("Removed %d worktree(s)\n", removed)
	}

	for _, sess := range svc.cfg.GetSessions() {
		if err := config.DeleteSessionMessages(sess.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error deleting messages for %s: %v\n", sess.ID, err)
		}
	}
	if pruned, err := config.PruneOrphanedSessionMessages(svc.cfg); err == nil && pruned > 0 {
		fmt.Printf("Pruned %d orphaned message file(s)\n", pruned)
	}

	svc.cfg.ClearSessions()
	if err := svc.cfg.Save(); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	if cleared, err := logger.ClearLogs(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	} else if cleared > 0 {
		fmt.Printf("Cleared %d log file(s)\n", cleared)
	}

	fmt.Println("Clean complete.")
	return nil
}

func confirm(input io.Reader) bool {
	fmt.Print("Continue? [y/N]: ")
	line, err := bufio.NewReader(input).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
