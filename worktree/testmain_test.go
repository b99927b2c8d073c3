package worktree

import (
	"os"
	"testing"

	"github.com/agentdeck/agentdeck-core/logger"
)

func TestMain(m *testing.M) {
	// Route logging to /dev/null so tests don't pollute the state dir.
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
