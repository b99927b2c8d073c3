package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck-core/agent"
	"github.com/agentdeck/agentdeck-core/manager"
	"github.com/agentdeck/agentdeck-core/stream"
)

var runCmd = &cobra.Command{
	Use:   "run <session-id> <prompt>...",
	Short: "Send a prompt to a session and stream the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTurn,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}
	defer svc.sessions.Shutdown()

	sessionID := args[0]
	prompt := strings.Join(args[1:], " ")

	observerID, notifications := svc.sessions.Subscribe()
	defer svc.sessions.Unsubscribe(observerID)

	if err := svc.sessions.StartTurn(sessionID, prompt); err != nil {
		var busy *agent.AlreadyRunningError
		if errors.As(err, &busy) {
			return fmt.Errorf("session %s already has a turn in flight", sessionID)
		}
		return err
	}

	// Ctrl-C interrupts the turn instead of abandoning the process.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	for {
		select {
		case <-interrupts:
			if err := svc.sessions.Interrupt(sessionID); err != nil {
				return err
			}
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			if n.SessionID != sessionID {
				continue
			}
			switch n.Kind {
			case manager.KindDeltaBatch:
				fmt.Print(n.DeltaText)
			case manager.KindEvent:
				printEvent(n.Event)
			case manager.KindTurnEnded:
				fmt.Println()
				return turnOutcome(n.Result)
			}
		}
	}
}

func printEvent(ev *stream.Event) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case stream.EventText:
		fmt.Println(ev.Text)
	case stream.EventToolUse:
		fmt.Fprintf(os.Stderr, "[tool: %s]\n", ev.ToolName)
	}
}

func turnOutcome(res *agent.TurnResult) error {
	if res == nil {
		return nil
	}
	if res.Interrupted {
		fmt.Fprintln(os.Stderr, "(interrupted)")
		return nil
	}
	return res.Err
}
