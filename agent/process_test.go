package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck-core/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeFakeCLI writes a shell script standing in for the agent CLI and
// returns its path. The script appends its arguments to argsFile, emits the
// given stream-json lines on stdout, and sleeps for sleepSecs before exiting.
func writeFakeCLI(t *testing.T, argsFile string, sleepSecs int, lines ...string) string {
	t.Helper()

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	if argsFile != "" {
		fmt.Fprintf(&sb, "echo \"$@\" >> %q\n", argsFile)
	}
	for _, line := range lines {
		fmt.Fprintf(&sb, "printf '%%s\\n' '%s'\n", line)
	}
	if sleepSecs > 0 {
		// exec so the sleep replaces the shell: signals hit it directly and
		// the pipes close as soon as it dies.
		fmt.Fprintf(&sb, "exec sleep %d\n", sleepSecs)
	}

	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte(sb.String()), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// turnRecorder collects callback invocations for a test turn.
type turnRecorder struct {
	mu      sync.Mutex
	events  []stream.Event
	results []TurnResult
	done    chan struct{}
}

func newTurnRecorder() *turnRecorder {
	return &turnRecorder{done: make(chan struct{}, 4)}
}

func (r *turnRecorder) callbacks() Callbacks {
	return Callbacks{
		OnEvent: func(ev stream.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnTurnEnded: func(tr TurnResult) {
			r.mu.Lock()
			r.results = append(r.results, tr)
			r.mu.Unlock()
			r.done <- struct{}{}
		},
	}
}

func (r *turnRecorder) waitTurn(t *testing.T) TurnResult {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for turn to end")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

func (r *turnRecorder) eventTypes() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]stream.EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func TestStartTurn_CompletesAndReturnsToIdle(t *testing.T) {
	bin := writeFakeCLI(t, "", 0,
		`{"type":"system","subtype":"init","session_id":"s1","model":"m1"}`,
		`{"type":"result","subtype":"success","result":"answered"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())

	if p.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", p.State())
	}

	if err := p.StartTurn("hello"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	tr := rec.waitTurn(t)
	if tr.Err != nil {
		t.Fatalf("turn error: %v", tr.Err)
	}
	if tr.Event == nil || tr.Event.Result != "answered" {
		t.Fatalf("turn result = %+v", tr.Event)
	}
	if tr.Interrupted {
		t.Error("turn should not be marked interrupted")
	}
	if p.State() != StateIdle {
		t.Errorf("state after turn = %s, want idle", p.State())
	}

	types := rec.eventTypes()
	if len(types) != 2 || types[0] != stream.EventInit || types[1] != stream.EventTurnResult {
		t.Errorf("event order = %v", types)
	}

	p.Stop()
}

func TestStartTurn_AlreadyRunning(t *testing.T) {
	bin := writeFakeCLI(t, "", 5,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("first"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	err := p.StartTurn("second")
	var already *AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	if already.SessionID != "s1" {
		t.Errorf("error session = %q, want s1", already.SessionID)
	}
}

func TestStartTurn_SpawnError(t *testing.T) {
	p := NewProcess(Config{
		SessionID:  "s1",
		WorkingDir: t.TempDir(),
		Binary:     "/nonexistent/agent-cli",
	}, Callbacks{}, testLogger())

	err := p.StartTurn("hello")
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if p.State() != StateIdle {
		t.Errorf("state after spawn failure = %s, want idle", p.State())
	}
}

func TestStartTurn_ExitWithoutResult(t *testing.T) {
	// CLI emits init then dies without a result message.
	bin := writeFakeCLI(t, "", 0,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("hello"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	tr := rec.waitTurn(t)
	if tr.Event != nil {
		t.Errorf("expected no result event, got %+v", tr.Event)
	}
	if tr.Err == nil {
		t.Error("expected a synthesized error for a turn without a result")
	}
	if p.State() != StateIdle {
		t.Errorf("state = %s, want idle (turn errors do not close the process)", p.State())
	}
}

func TestSecondTurnResumes(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.log")
	bin := writeFakeCLI(t, argsFile, 0,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"result","subtype":"success","result":"ok"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("first"); err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}
	rec.waitTurn(t)

	if err := p.StartTurn("second"); err != nil {
		t.Fatalf("second StartTurn: %v", err)
	}
	rec.waitTurn(t)

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 invocations, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "--session-id s1") {
		t.Errorf("first turn should use --session-id: %q", lines[0])
	}
	if !strings.Contains(lines[1], "--resume s1") {
		t.Errorf("second turn should use --resume: %q", lines[1])
	}
}

func TestResumeConfigResumesFirstTurn(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.log")
	bin := writeFakeCLI(t, argsFile, 0,
		`{"type":"result","subtype":"success","result":"ok"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin, Resume: true},
		rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("continue where we left off"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	rec.waitTurn(t)

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, "--resume s1") {
		t.Errorf("first turn of a resumed session should use --resume: %q", line)
	}
	if strings.Contains(line, "--session-id") {
		t.Errorf("resumed session should not pass --session-id: %q", line)
	}
}

func TestSetModel_AppliesToNextTurnOnly(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.log")
	bin := writeFakeCLI(t, argsFile, 0,
		`{"type":"result","subtype":"success","result":"ok"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("first"); err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}
	// Model change lands after the in-flight turn.
	p.SetModel("sonnet")
	rec.waitTurn(t)

	if err := p.StartTurn("second"); err != nil {
		t.Fatalf("second StartTurn: %v", err)
	}
	rec.waitTurn(t)

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(lines))
	}
	if strings.Contains(lines[0], "--model") {
		t.Errorf("first turn should not carry the model override: %q", lines[0])
	}
	if !strings.Contains(lines[1], "--model sonnet") {
		t.Errorf("second turn should carry the model override: %q", lines[1])
	}
}

func TestStop_InterruptsTurn(t *testing.T) {
	bin := writeFakeCLI(t, "", 30,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())

	if err := p.StartTurn("long"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	stopStart := time.Now()
	p.Stop()
	if elapsed := time.Since(stopStart); elapsed > GracefulStopTimeout+2*time.Second {
		t.Errorf("Stop took %s, should finish within the grace period", elapsed)
	}

	tr := rec.waitTurn(t)
	if !tr.Interrupted {
		t.Error("turn ended by Stop should be marked interrupted")
	}
	if tr.Err != nil {
		t.Errorf("interrupted turn should not carry an error, got %v", tr.Err)
	}
	if p.State() != StateClosed {
		t.Errorf("state after Stop = %s, want closed", p.State())
	}

	// Stop is idempotent.
	p.Stop()

	if err := p.StartTurn("after close"); err == nil {
		t.Error("StartTurn after Stop should fail")
	}
}

func TestInterrupt_ReturnsToIdle(t *testing.T) {
	bin := writeFakeCLI(t, "", 30,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
	)

	rec := newTurnRecorder()
	p := NewProcess(Config{SessionID: "s1", WorkingDir: t.TempDir(), Binary: bin}, rec.callbacks(), testLogger())
	defer p.Stop()

	if err := p.StartTurn("long"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := p.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	tr := rec.waitTurn(t)
	if !tr.Interrupted {
		t.Error("interrupted turn should be flagged")
	}
	if p.State() != StateIdle {
		t.Errorf("state after interrupt = %s, want idle", p.State())
	}

	// Interrupt with no turn in flight is a no-op.
	if err := p.Interrupt(); err != nil {
		t.Errorf("idle Interrupt should be nil, got %v", err)
	}
}
