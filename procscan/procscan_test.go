package procscan

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/agentdeck/agentdeck-core/exec"
)

func skipUnlessUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		t.Skipf("process scanning not supported on %s", runtime.GOOS)
	}
}

func mockPgrep(mock *exec.MockExecutor, pids string) {
	mock.AddPrefixMatch("pgrep", []string{"-f"}, exec.MockResponse{Stdout: []byte(pids)})
}

func mockPs(mock *exec.MockExecutor, pid, cmdLine string) {
	mock.AddExactMatch("ps", []string{"-p", pid, "-o", "args="}, exec.MockResponse{
		Stdout: []byte(cmdLine + "\n"),
	})
}

func TestFindAgentProcesses(t *testing.T) {
	skipUnlessUnix(t)
	mock := exec.NewMockExecutor(nil)
	mockPgrep(mock, "101\n202\n")
	mockPs(mock, "101", "claude -p hi --session-id aaa")
	mockPs(mock, "202", "claude -p yo --resume bbb")

	procs, err := NewScanner(mock).FindAgentProcesses(context.Background())
	if err != nil {
		t.Fatalf("FindAgentProcesses failed: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 processes, got %d: %+v", len(procs), procs)
	}
	if procs[0].PID != 101 || procs[0].Command != "claude -p hi --session-id aaa" {
		t.Errorf("unexpected first process: %+v", procs[0])
	}
	if procs[1].PID != 202 {
		t.Errorf("unexpected second process: %+v", procs[1])
	}
}

func TestFindAgentProcessesSkipsVanished(t *testing.T) {
	skipUnlessUnix(t)
	mock := exec.NewMockExecutor(nil)
	mockPgrep(mock, "101\n999\n")
	mockPs(mock, "101", "claude --session-id aaa")
	mock.AddExactMatch("ps", []string{"-p", "999", "-o", "args="}, exec.MockResponse{
		Err: errors.New("no such process"),
	})

	procs, err := NewScanner(mock).FindAgentProcesses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].PID != 101 {
		t.Errorf("expected only the live process, got %+v", procs)
	}
}

func TestFindAgentProcessesError(t *testing.T) {
	skipUnlessUnix(t)
	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("pgrep", []string{"-f"}, exec.MockResponse{
		Err: errors.New("pgrep unavailable"),
	})

	if _, err := NewScanner(mock).FindAgentProcesses(context.Background()); err == nil {
		t.Error("expected scan failure to surface")
	}
}

func TestFindOrphaned(t *testing.T) {
	skipUnlessUnix(t)
	mock := exec.NewMockExecutor(nil)
	mockPgrep(mock, "101\n202\n303\n")
	mockPs(mock, "101", "claude --session-id known-1")
	mockPs(mock, "202", "claude --resume orphan-1")
	mockPs(mock, "303", "claude --print-only") // no session identity

	orphans, err := NewScanner(mock).FindOrphaned(context.Background(), map[string]bool{"known-1": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].PID != 202 {
		t.Errorf("orphans = %+v, want only PID 202", orphans)
	}
}

func TestCleanupOrphaned(t *testing.T) {
	skipUnlessUnix(t)
	mock := exec.NewMockExecutor(nil)
	mockPgrep(mock, "101\n202\n")
	mockPs(mock, "101", "claude --session-id orphan-a")
	mockPs(mock, "202", "claude --session-id orphan-b")
	mock.AddExactMatch("kill", []string{"-9", "101"}, exec.MockResponse{})
	mock.AddExactMatch("kill", []string{"-9", "202"}, exec.MockResponse{
		Err: errors.New("operation not permitted"),
	})

	killed, err := NewScanner(mock).CleanupOrphaned(context.Background(), map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1 (second kill fails)", killed)
	}
}

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name    string
		cmdLine string
		want    string
	}{
		{"session-id flag", "claude -p hi --session-id abc-123 --verbose", "abc-123"},
		{"resume flag", "claude -p hi --resume def-456", "def-456"},
		{"equals form", "claude --session-id=ghi-789", "ghi-789"},
		{"no identity", "claude -p hi --output-format stream-json", ""},
		{"flag without value", "claude --session-id", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractSessionID(tt.cmdLine); got != tt.want {
				t.Errorf("extractSessionID(%q) = %q, want %q", tt.cmdLine, got, tt.want)
			}
		})
	}
}
