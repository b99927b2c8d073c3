package agent

// BuildCommandArgs builds the command line arguments for the agent CLI based
// on the config and the turn being started. Exported for testing to verify
// correct argument construction.
func BuildCommandArgs(config Config, prompt, model string, resume bool) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}

	switch {
	case resume:
		// A prior turn completed, so the CLI has a transcript to resume.
		args = append(args, "--resume", config.SessionID)
	case config.ForkFromSessionID != "":
		// Forked session: resume the parent transcript and fork under our
		// own UUID so later turns can resume the child independently.
		args = append(args,
			"--resume", config.ForkFromSessionID,
			"--fork-session",
			"--session-id", config.SessionID,
		)
	default:
		args = append(args, "--session-id", config.SessionID)
	}

	if config.StreamDeltas {
		args = append(args, "--include-partial-messages")
	}

	if model != "" {
		args = append(args, "--model", model)
	}

	return args
}
