// Package procscan finds and cleans up stray agent CLI processes, typically
// left behind after a crash.
package procscan

import (
	"context"
	"errors"
	osexec "os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/logger"
)

// AgentProcess is a running agent CLI process found on the system.
type AgentProcess struct {
	PID     int
	Command string
}

// Scanner discovers agent CLI processes through the injected executor.
type Scanner struct {
	executor exec.CommandExecutor
}

// NewScanner creates a scanner. A nil executor uses the process default.
func NewScanner(executor exec.CommandExecutor) *Scanner {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	return &Scanner{executor: executor}
}

// FindAgentProcesses lists agent CLI processes that carry a session identity
// on their command line. Unsupported platforms return an empty list.
func (s *Scanner) FindAgentProcesses(ctx context.Context) ([]AgentProcess, error) {
	log := logger.WithComponent("procscan")

	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		log.Debug("process scan not supported on this platform", "os", runtime.GOOS)
		return nil, nil
	}

	output, err := s.executor.Output(ctx, "", "pgrep", "-f", "claude.*(--session-id|--resume)")
	if err != nil {
		// pgrep exits 1 when nothing matches.
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var processes []AgentProcess
	for _, pidStr := range strings.Fields(string(output)) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		psOutput, err := s.executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
		if err != nil {
			// The process may have exited between pgrep and ps.
			continue
		}
		processes = append(processes, AgentProcess{
			PID:     pid,
			Command: strings.TrimSpace(string(psOutput)),
		})
	}

	log.Debug("found agent processes", "count", len(processes))
	return processes, nil
}

// FindOrphaned returns agent processes whose session ID is not in
// knownSessionIDs.
func (s *Scanner) FindOrphaned(ctx context.Context, knownSessionIDs map[string]bool) ([]AgentProcess, error) {
	all, err := s.FindAgentProcesses(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("procscan")
	var orphans []AgentProcess
	for _, proc := range all {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned agent process", "pid", proc.PID, "sessionID", sessionID)
		}
	}
	return orphans, nil
}

// Kill force-terminates a process by PID.
func (s *Scanner) Kill(ctx context.Context, pid int) error {
	_, _, err := s.executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
	return err
}

// CleanupOrphaned kills every orphaned agent process and returns how many
// were killed. Individual kill failures are logged and skipped.
func (s *Scanner) CleanupOrphaned(ctx context.Context, knownSessionIDs map[string]bool) (int, error) {
	orphans, err := s.FindOrphaned(ctx, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("procscan")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned agent process", "pid", proc.PID)
		if err := s.Kill(ctx, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}

// extractSessionID pulls the session UUID out of an agent CLI command line.
// Both fresh sessions (--session-id) and resumed ones (--resume) carry it.
func extractSessionID(cmdLine string) string {
	for _, flag := range []string{"--session-id", "--resume"} {
		_, after, ok := strings.Cut(cmdLine, flag)
		if !ok {
			continue
		}
		fields := strings.Fields(strings.TrimLeft(after, " ="))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}
