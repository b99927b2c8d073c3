package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/manager"
	"github.com/agentdeck/agentdeck-core/tail"
)

var followLogs bool

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Show a session's transcript log",
	Long: `Prints the decoded entries of a session's transcript JSONL. With --follow
the log is tailed live: new entries stream as the agent works, and an
activity state (running/idle/attention) is reported on stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "Tail the log as it grows")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	svc, err := loadServices()
	if err != nil {
		return err
	}

	sessionID := args[0]
	sess := svc.cfg.GetSession(sessionID)
	if sess == nil {
		return &manager.NotFoundError{SessionID: sessionID}
	}

	scope, err := manager.TranscriptDir(resolveWorkingDir(sess))
	if err != nil {
		return err
	}

	entries, err := tail.ReadAll(scope, sessionID)
	if err != nil && !followLogs {
		return err
	}
	for _, entry := range entries {
		printEntry(entry)
	}
	if !followLogs {
		return nil
	}

	return followLog(scope, sessionID)
}

func followLog(scope, sessionID string) error {
	patterns, err := config.LoadPatterns()
	if err != nil {
		return err
	}
	attention, err := patterns.CompileAttention()
	if err != nil {
		return err
	}
	monitor := tail.NewMonitor(attention, 0)

	lastState := tail.State("")
	reportState := func() {
		if state := monitor.State(); state != lastState {
			lastState = state
			fmt.Fprintf(os.Stderr, "-- %s --\n", state)
		}
	}

	errs := make(chan error, 1)
	tailer := tail.NewTailer(tail.Config{}, tail.Callbacks{
		OnEntries: func(_ string, entries []tail.Entry) {
			for _, entry := range entries {
				printEntry(entry)
				monitor.Observe(string(entry.Raw))
			}
			reportState()
		},
		OnReset: func(_ string, entries []tail.Entry) {
			fmt.Fprintln(os.Stderr, "-- log reset --")
			for _, entry := range entries {
				printEntry(entry)
			}
		},
		OnError: func(_ string, err error) {
			errs <- err
		},
	})
	defer tailer.Close()

	tailer.Watch("deckctl", scope, sessionID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errs:
		return err
	case <-stop:
		return nil
	}
}

func printEntry(entry tail.Entry) {
	// Compact the raw JSON onto one line for terminal display.
	var buf bytes.Buffer
	if err := json.Compact(&buf, entry.Raw); err != nil {
		fmt.Printf("%s\n", entry.Raw)
		return
	}
	fmt.Println(buf.String())
}
