// deckctl is a command-line front end for the agentdeck core: it manages
// agent sessions, their isolated worktrees, and their logs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck-core/logger"
)

var (
	debugMode bool
	quietMode bool

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "deckctl",
	Short: "Manage agentdeck agent sessions",
	Long: `deckctl drives agentdeck's session core from the command line.
Each session runs the agent CLI in its own git worktree, so concurrent
conversations work on the same codebase without stepping on each other.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level")
}

func initLogging() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

func main() {
	rootCmd.Version = version
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "deckctl: %v\n", err)
		os.Exit(1)
	}
}
