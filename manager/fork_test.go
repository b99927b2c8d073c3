package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck-core/config"
	"github.com/agentdeck/agentdeck-core/exec"
	"github.com/agentdeck/agentdeck-core/worktree"
)

// writeTranscript plants a fake agent CLI transcript for a session running
// in workingDir and returns its path.
func writeTranscript(t *testing.T, workingDir, sessionID, content string) string {
	t.Helper()
	path, err := transcriptPath(workingDir, sessionID)
	if err != nil {
		t.Fatalf("transcriptPath failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func forkableParent(f *fixture, id, projectPath string) {
	f.cfg.AddSession(config.Session{
		ID:                    id,
		ProjectPath:           projectPath,
		Started:               true,
		HasCompletedFirstTurn: true,
	})
}

func TestEscapeProjectPath(t *testing.T) {
	got := escapeProjectPath("/home/user/my.project")
	want := "-home-user-my-project"
	if got != want {
		t.Errorf("escapeProjectPath = %q, want %q", got, want)
	}
}

func TestForkSessionUnknownParent(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.sm.ForkSession(context.Background(), "ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected *NotFoundError, got %v", err)
	}
}

func TestForkSessionRequiresCompletedTurn(t *testing.T) {
	f := newFixture(t)
	f.cfg.AddSession(config.Session{ID: "p1", ProjectPath: "/p", Started: true})

	_, _, err := f.sm.ForkSession(context.Background(), "p1")
	if err == nil || !strings.Contains(err.Error(), "no completed turn") {
		t.Errorf("expected completed-turn error, got %v", err)
	}
}

func TestForkSessionMissingTranscriptFailsAtomically(t *testing.T) {
	f := newFixture(t)
	forkableParent(f, "p1", "/p")

	_, _, err := f.sm.ForkSession(context.Background(), "p1")
	if err == nil || !strings.Contains(err.Error(), "transcript not found") {
		t.Fatalf("expected transcript-not-found error, got %v", err)
	}
	if got := len(f.cfg.GetSessions()); got != 1 {
		t.Errorf("sessions = %d after failed fork, want parent only", got)
	}
}

func TestForkSessionProducesTwoSeededChildren(t *testing.T) {
	f := newFixture(t)
	projectPath := "/home/user/project"
	forkableParent(f, "p1", projectPath)
	transcript := "{\"type\":\"text\",\"text\":\"line1\"}\n{\"type\":\"turn_result\"}\n"
	writeTranscript(t, projectPath, "p1", transcript)

	forkA, forkB, err := f.sm.ForkSession(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ForkSession failed: %v", err)
	}
	if forkA.ID == forkB.ID {
		t.Fatal("children share an identity")
	}

	for _, child := range []*config.Session{forkA, forkB} {
		reg := f.cfg.GetSession(child.ID)
		if reg == nil {
			t.Fatalf("child %s not registered", child.ID)
		}
		if reg.ParentID != "p1" {
			t.Errorf("child ParentID = %q, want p1", reg.ParentID)
		}
		if !reg.Started {
			t.Error("fork child must start by resuming its transcript copy")
		}
		if reg.HasCompletedFirstTurn {
			t.Error("fork child should not inherit first-turn completion")
		}

		path, _ := transcriptPath(projectPath, child.ID)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("child transcript missing: %v", err)
		}
		if string(data) != transcript {
			t.Errorf("child transcript differs from parent:\n%s", data)
		}
	}
}

func TestForkChildRunnerResumesOwnTranscript(t *testing.T) {
	f := newFixture(t)
	forkableParent(f, "p1", "/p")
	writeTranscript(t, "/p", "p1", "{}\n")

	forkA, _, err := f.sm.ForkSession(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sm.StartTurn(forkA.ID, "diverge"); err != nil {
		t.Fatal(err)
	}

	r := f.runner(t, 0)
	if !r.cfg.Resume {
		t.Error("fork child should resume")
	}
	if r.cfg.ForkFromSessionID != "" {
		t.Errorf("ForkFromSessionID = %q, want empty for a seeded child", r.cfg.ForkFromSessionID)
	}
}

// failNthExecutor delegates to a MockExecutor but fails the Nth command whose
// arguments start with the given prefix.
type failNthExecutor struct {
	*exec.MockExecutor
	prefix []string
	failOn int
	seen   int
}

func (e *failNthExecutor) matches(args []string) bool {
	if len(args) < len(e.prefix) {
		return false
	}
	for i, p := range e.prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}

func (e *failNthExecutor) CombinedOutput(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	if e.matches(args) {
		e.seen++
		if e.seen == e.failOn {
			return []byte("fatal: forced failure"), errors.New("forced failure")
		}
	}
	return e.MockExecutor.CombinedOutput(ctx, dir, name, args...)
}

func TestForkSessionRollsBackOnSecondChildFailure(t *testing.T) {
	f := newFixture(t)
	projectPath := "/home/user/project"
	forkableParent(f, "p1", projectPath)
	writeTranscript(t, projectPath, "p1", "{}\n")

	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"rev-parse", "HEAD"}, exec.MockResponse{
		Stdout: []byte("abc123\n"),
	})
	executor := &failNthExecutor{
		MockExecutor: mock,
		prefix:       []string{"worktree", "add"},
		failOn:       2,
	}

	root := t.TempDir()
	f.sm.worktrees = worktree.NewServiceAt(executor, root, worktree.NewRegistry(filepath.Join(root, "registry.json")))

	_, _, err := f.sm.ForkSession(context.Background(), "p1")
	if err == nil {
		t.Fatal("expected fork failure")
	}

	if got := len(f.cfg.GetSessions()); got != 1 {
		t.Errorf("sessions = %d after failed fork, want parent only", got)
	}
	recs, rerr := f.sm.worktrees.Registry().List()
	if rerr != nil {
		t.Fatal(rerr)
	}
	if len(recs) != 0 {
		t.Errorf("worktree registry not rolled back: %+v", recs)
	}

	// No stray child transcript copies left behind.
	projectsDir := filepath.Join(os.Getenv("HOME"), ".claude", "projects")
	var transcripts []string
	filepath.Walk(projectsDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".jsonl") {
			transcripts = append(transcripts, path)
		}
		return nil
	})
	if len(transcripts) != 1 || !strings.HasSuffix(transcripts[0], "p1.jsonl") {
		t.Errorf("leftover transcripts after rollback: %v", transcripts)
	}
}
