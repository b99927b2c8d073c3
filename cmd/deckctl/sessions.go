package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var newModel string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List all sessions",
	RunE:  runSessions,
}

var newCmd = &cobra.Command{
	Use:   "new <project-path>",
	Short: "Create a session with its own isolated worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  runNew,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var forkCmd = &cobra.Command{
	Use:   "fork <session-id>",
	Short: "Fork a session into two independent children",
	Long: `Fork splits a session that has at least one completed turn into two new
sessions. Each child gets a copy of the parent's transcript and a fresh
worktree, so both can diverge from the same conversation state.`,
	Args: cobra.ExactArgs(1),
	RunE: runFork,
}

func init() {
	newCmd.Flags().StringVarP(&newModel, "model", "m", "", "Model for the new session (default from config)")
	rootCmd.AddCommand(sessionsCmd, newCmd, deleteCmd, forkCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}

	sessions := svc.cfg.GetSessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODEL\tPROJECT\tSTATE")
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		state := "new"
		if st, err := svc.sessions.GetStatus(sess.ID); err == nil {
			switch {
			case st.IsRunning:
				state = "running"
			case st.HasCompletedFirstTurn:
				state = "idle"
			case st.Started:
				state = "started"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", sess.ID, title, sess.Model, sess.ProjectPath, state)
	}
	return w.Flush()
}

func runNew(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := svc.worktrees.ValidateRepo(ctx, args[0]); err != nil {
		return err
	}

	sess, err := svc.sessions.CreateSession(ctx, args[0], newModel)
	if err != nil {
		return err
	}
	fmt.Printf("Created session %s\n", sess.ID)
	if sess.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", sess.WorktreePath)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}

	if err := svc.sessions.DeleteSession(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runFork(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}

	forkA, forkB, err := svc.sessions.ForkSession(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Forked %s into:\n  %s\n  %s\n", args[0], forkA.ID, forkB.ID)
	return nil
}
