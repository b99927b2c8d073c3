// Package agent manages the lifecycle of agent CLI processes. Each Process
// owns one session: a turn spawns the CLI with a prompt, streams its
// stream-json output as events, and returns to idle when the CLI exits.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck-core/stream"
)

// State describes the lifecycle state of a Process.
type State string

const (
	// StateIdle means no turn is in flight; StartTurn may be called.
	StateIdle State = "idle"
	// StateRunning means a turn is in flight.
	StateRunning State = "running"
	// StateClosed means the process was stopped and accepts no further turns.
	StateClosed State = "closed"
)

const (
	// DefaultBinary is the agent CLI executable name.
	DefaultBinary = "claude"

	// GracefulStopTimeout is how long Stop waits after SIGINT before
	// escalating to SIGKILL.
	GracefulStopTimeout = 5 * time.Second

	// stderrTailLines is how many trailing stderr lines are retained for
	// diagnostics when a turn fails.
	stderrTailLines = 20
)

// Config holds the per-session configuration for a Process.
type Config struct {
	SessionID  string
	WorkingDir string

	// Model is the model flag passed to the CLI, empty for the CLI default.
	Model string

	// StreamDeltas enables partial-message streaming (incremental deltas).
	StreamDeltas bool

	// ForkFromSessionID, when set, makes the first turn resume the parent
	// transcript and fork it under this session's ID.
	ForkFromSessionID string

	// Resume marks the session as already having a transcript, so the first
	// turn of this Process resumes it instead of creating a new session.
	Resume bool

	// Binary overrides the CLI executable, used by tests. Empty means
	// DefaultBinary.
	Binary string
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	// Event is the terminal turn result from the stream, nil when the
	// process exited without producing one.
	Event *stream.Event

	// Err is set when the turn failed without a result event and was not
	// interrupted by the caller.
	Err error

	// Interrupted is true when the turn ended because of Interrupt or Stop.
	Interrupted bool

	// Stderr holds the trailing stderr output, for diagnostics.
	Stderr string
}

// Callbacks defines the hooks a Process invokes during a turn.
//
// Threading model: all callbacks are invoked from the Process's internal
// reader goroutines. Implementations must be safe for that and should avoid
// blocking, which would stall the stream pipeline.
//
// Invocation order per turn:
//  1. OnEvent / OnParseError / OnStderrLine, repeatedly, as output arrives
//  2. OnTurnEnded, exactly once, after the process exits
type Callbacks struct {
	// OnEvent receives each decoded stream event in order.
	OnEvent func(stream.Event)

	// OnParseError receives malformed stream lines. The turn continues.
	OnParseError func(*stream.ParseError)

	// OnStderrLine receives each stderr line as it is read.
	OnStderrLine func(line string)

	// OnTurnEnded is called exactly once when the turn finishes, whether it
	// completed, failed, or was interrupted.
	OnTurnEnded func(TurnResult)
}

// Process manages agent CLI invocations for a single session.
// All methods are safe for concurrent use.
type Process struct {
	config    Config
	callbacks Callbacks
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	started     bool // a turn completed; --resume is valid
	nextModel   string
	cmd         *exec.Cmd
	stderrTail  []string
	stdoutDone  chan struct{}
	stderrDone  chan struct{}
	interrupted bool
	stopping    bool
	resultEvent *stream.Event
	turnOnce    *sync.Once

	// waitDone is closed by monitorExit when cmd.Wait() completes. Stop()
	// selects on it instead of calling cmd.Wait() again.
	waitDone chan struct{}

	wg sync.WaitGroup
}

// NewProcess creates a Process for one session. The process starts idle;
// no CLI invocation happens until StartTurn.
func NewProcess(config Config, callbacks Callbacks, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		config:    config,
		callbacks: callbacks,
		log:       log,
		state:     StateIdle,
		started:   config.Resume,
	}
}

// SessionID returns the session this process belongs to.
func (p *Process) SessionID() string {
	return p.config.SessionID
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetModel sets the model for subsequent turns. An in-flight turn keeps the
// model it started with.
func (p *Process) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextModel = model
}

// StartTurn spawns the agent CLI with the given prompt and begins streaming
// events. It returns once the process is running; the turn itself completes
// asynchronously via OnTurnEnded.
//
// Returns *AlreadyRunningError if a turn is already in flight, and
// *SpawnError if the CLI could not be started (state stays idle).
func (p *Process) StartTurn(prompt string) error {
	p.mu.Lock()

	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return fmt.Errorf("agent process for session %s is closed", p.config.SessionID)
	case StateRunning:
		p.mu.Unlock()
		return &AlreadyRunningError{SessionID: p.config.SessionID}
	}

	// Latch any pending model change for this and later turns.
	if p.nextModel != "" {
		p.config.Model = p.nextModel
		p.nextModel = ""
	}
	model := p.config.Model
	resume := p.started

	binary := p.config.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := BuildCommandArgs(p.config, prompt, model, resume)
	p.log.Debug("starting turn", "command", binary+" "+strings.Join(args, " "))

	cmd := exec.Command(binary, args...)
	cmd.Dir = p.config.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return &SpawnError{Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		p.mu.Unlock()
		return &SpawnError{Cause: err}
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		p.mu.Unlock()
		p.log.Error("failed to start agent process", "error", err)
		return &SpawnError{Cause: err}
	}

	p.cmd = cmd
	p.state = StateRunning
	p.stderrTail = nil
	p.stdoutDone = make(chan struct{})
	p.stderrDone = make(chan struct{})
	p.waitDone = make(chan struct{})
	p.interrupted = false
	p.resultEvent = nil
	p.turnOnce = new(sync.Once)
	stdoutDone := p.stdoutDone
	stderrDone := p.stderrDone
	waitDone := p.waitDone
	p.mu.Unlock()

	p.log.Info("turn started", "pid", cmd.Process.Pid, "resume", resume, "model", model)

	parser := stream.NewParser(stream.Config{
		StreamDeltas: p.config.StreamDeltas,
		OnEvent:      p.handleEvent,
		OnParseError: p.callbacks.OnParseError,
		Logger:       p.log,
	})

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.readStdout(stdout, parser, stdoutDone)
	}()
	go func() {
		defer p.wg.Done()
		p.drainStderr(stderr, stderrDone)
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit(cmd, waitDone, stdoutDone, stderrDone)
	}()

	return nil
}

// Interrupt sends SIGINT to an in-flight turn, ending it early. The process
// returns to idle once the CLI exits; no-op when no turn is running.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning || p.cmd == nil || p.cmd.Process == nil {
		p.log.Debug("interrupt called with no turn in flight")
		return nil
	}

	p.interrupted = true
	p.log.Info("sending SIGINT", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// Stop terminates any in-flight turn and closes the process. A running CLI
// gets SIGINT and GracefulStopTimeout to exit before SIGKILL. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	wasRunning := p.state == StateRunning
	p.state = StateClosed
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if wasRunning && cmd != nil && cmd.Process != nil {
		p.log.Debug("stopping turn", "pid", cmd.Process.Pid)
		cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-waitDone:
			p.log.Debug("process exited gracefully")
		case <-time.After(GracefulStopTimeout):
			p.log.Warn("grace period expired, killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	p.wg.Wait()
	p.log.Debug("agent process closed")
}

// handleEvent observes the event stream for lifecycle markers before
// forwarding to the caller's callback.
func (p *Process) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventInit:
		p.mu.Lock()
		p.started = true
		p.mu.Unlock()
	case stream.EventTurnResult:
		p.mu.Lock()
		evCopy := ev
		p.resultEvent = &evCopy
		p.mu.Unlock()
	}

	if p.callbacks.OnEvent != nil {
		p.callbacks.OnEvent(ev)
	}
}

// readStdout feeds raw stdout chunks into the parser until EOF. The parser
// is owned by this goroutine; no other goroutine touches it.
func (p *Process) readStdout(stdout io.ReadCloser, parser *stream.Parser, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("error reading stdout", "error", err)
			}
			parser.Flush()
			return
		}
	}
}

// drainStderr reads stderr line by line, forwarding each line and keeping a
// bounded tail for diagnostics. Runs concurrently with the process so stderr
// is captured before cmd.Wait() closes the pipe.
func (p *Process) drainStderr(stderr io.ReadCloser, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if p.callbacks.OnStderrLine != nil {
			p.callbacks.OnStderrLine(line)
		}
		p.mu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[1:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading stderr", "error", err)
	}
}

// monitorExit is the sole caller of cmd.Wait(). It waits for both pipe
// readers to finish first: cmd.Wait() closes the parent's pipe ends, and
// calling it while the readers still drain would drop buffered output.
// Stop() coordinates via the waitDone channel instead of calling cmd.Wait()
// itself, preventing undefined behavior from double Wait().
func (p *Process) monitorExit(cmd *exec.Cmd, waitDone, stdoutDone, stderrDone chan struct{}) {
	<-stdoutDone
	<-stderrDone

	err := cmd.Wait()
	close(waitDone)
	p.log.Debug("process exited", "error", err)

	p.finishTurn(err)
}

// finishTurn settles the turn outcome and moves the process back to idle
// (unless Stop already closed it). OnTurnEnded fires exactly once per turn.
func (p *Process) finishTurn(exitErr error) {
	p.mu.Lock()
	result := p.resultEvent
	interrupted := p.interrupted || p.stopping
	p.interrupted = false
	stderrTail := strings.Join(p.stderrTail, "\n")
	if p.state == StateRunning {
		p.state = StateIdle
	}
	p.cmd = nil
	once := p.turnOnce
	p.mu.Unlock()

	tr := TurnResult{
		Event:       result,
		Interrupted: interrupted && result == nil,
		Stderr:      stderrTail,
	}
	if result == nil && !interrupted {
		if exitErr != nil {
			tr.Err = fmt.Errorf("agent process exited before completing the turn: %w", exitErr)
		} else {
			tr.Err = fmt.Errorf("agent process exited before completing the turn")
		}
		if stderrTail != "" {
			tr.Err = fmt.Errorf("%w (stderr: %s)", tr.Err, stderrTail)
		}
	}

	if once != nil {
		once.Do(func() {
			if p.callbacks.OnTurnEnded != nil {
				p.callbacks.OnTurnEnded(tr)
			}
		})
	}
}
