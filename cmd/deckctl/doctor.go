package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck-core/cli"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that required external tools are installed",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	prereqs := cli.DefaultPrerequisites()
	fmt.Print(cli.FormatCheckResults(cli.CheckAll(prereqs)))
	return cli.ValidateRequired(prereqs)
}
