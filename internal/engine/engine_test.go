package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/omeriko9/shellgpt/internal/executor"
	"github.com/omeriko9/shellgpt/internal/session"
)

func newTestEngine(exec *executor.FakeExecutor) *Engine {
	return New(Config{
		Executor:  exec,
		Shell:     "fake-shell",
		KillGrace: 200 * time.Millisecond,
		OpenPTY:   OpenFakePTY,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sessionStatus finds a session in the engine's listing.
func sessionStatus(e *Engine, id string) (session.Status, bool) {
	for _, info := range e.List() {
		if info.ID == id {
			return info.Status, true
		}
	}
	return "", false
}

func TestRunBlocking_CapturesOutput(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("say-hello", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		fmt.Fprintln(stdout, "hello")
		fmt.Fprintln(stderr, "warn")
		return 0
	})
	eng := newTestEngine(exec)

	res, err := eng.RunBlocking("say-hello", "")
	if err != nil {
		t.Fatalf("RunBlocking failed: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.Stderr != "warn\n" {
		t.Errorf("stderr = %q, want %q", res.Stderr, "warn\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunBlocking_FeedsStdin(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("cat-like", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.Copy(stdout, stdin)
		return 0
	})
	eng := newTestEngine(exec)

	res, err := eng.RunBlocking("cat-like", "ping")
	if err != nil {
		t.Fatalf("RunBlocking failed: %v", err)
	}
	if res.Stdout != "ping" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "ping")
	}
}

func TestRunBlocking_SpawnFailure(t *testing.T) {
	eng := newTestEngine(executor.NewFakeExecutor())

	_, err := eng.RunBlocking("no-such-binary", "")
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecError", err)
	}
}

func TestStartDetached_PollLifecycle(t *testing.T) {
	release := make(chan struct{})
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("slow-done", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		select {
		case <-release:
		case <-ctx.Done():
			return -1
		}
		fmt.Fprintln(stdout, "done")
		return 0
	})
	eng := newTestEngine(exec)

	id, err := eng.StartDetached("slow-done", "")
	if err != nil {
		t.Fatalf("StartDetached failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	res, err := eng.Output(id)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if !res.Running {
		t.Error("running = false right after start")
	}
	if res.Stdout != "" {
		t.Errorf("early stdout delta = %q, want empty", res.Stdout)
	}
	if res.ExitCode != nil {
		t.Errorf("exit code = %v, want nil while running", *res.ExitCode)
	}

	close(release)

	var stdout strings.Builder
	stdout.WriteString(res.Stdout)
	var final OutputResult
	waitFor(t, "process exit", func() bool {
		final, err = eng.Output(id)
		if err != nil {
			t.Fatalf("Output failed: %v", err)
		}
		stdout.WriteString(final.Stdout)
		return !final.Running
	})

	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
	if stdout.String() != "done\n" {
		t.Errorf("cumulative stdout = %q, want %q", stdout.String(), "done\n")
	}
}

func TestOutput_UnknownID(t *testing.T) {
	eng := newTestEngine(executor.NewFakeExecutor())

	if _, err := eng.Output("bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Output err = %v, want ErrNotFound", err)
	}
	if _, err := eng.InteractiveOutput("bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("InteractiveOutput err = %v, want ErrNotFound", err)
	}
	if _, err := eng.Kill("bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill err = %v, want ErrNotFound", err)
	}
}

func TestOutput_ModesDoNotCross(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("hang", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 0
	})
	eng := newTestEngine(exec)

	id, err := eng.StartDetached("hang", "")
	if err != nil {
		t.Fatalf("StartDetached failed: %v", err)
	}
	defer eng.Kill(id)

	// A detached id is not addressable through the interactive surface.
	if _, err := eng.InteractiveOutput(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("InteractiveOutput on detached id: err = %v, want ErrNotFound", err)
	}
	if _, err := eng.InteractiveInput(id, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("InteractiveInput on detached id: err = %v, want ErrNotFound", err)
	}
}

func TestKill_TerminatesAndMarksKilled(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("stubborn", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 143
	})
	eng := newTestEngine(exec)

	id, err := eng.StartDetached("stubborn", "")
	if err != nil {
		t.Fatalf("StartDetached failed: %v", err)
	}

	code, err := eng.Kill(id)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if code != 143 {
		t.Errorf("kill exit code = %d, want 143", code)
	}

	// No race window: the record is terminal the moment Kill returns.
	res, err := eng.Output(id)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if res.Running {
		t.Error("running = true immediately after Kill returned")
	}
	if status, ok := sessionStatus(eng, id); !ok || status != session.StatusKilled {
		t.Errorf("status = %q, want %q", status, session.StatusKilled)
	}

	// Killing an already-terminal record is an idempotent no-op.
	again, err := eng.Kill(id)
	if err != nil {
		t.Fatalf("second Kill failed: %v", err)
	}
	if again != code {
		t.Errorf("second kill code = %d, want %d", again, code)
	}
	if status, _ := sessionStatus(eng, id); status != session.StatusKilled {
		t.Errorf("status changed by second kill: %q", status)
	}
}

func TestKill_AfterNaturalExitReportsRecordedCode(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("quick", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		return 7
	})
	eng := newTestEngine(exec)

	id, err := eng.StartDetached("quick", "")
	if err != nil {
		t.Fatalf("StartDetached failed: %v", err)
	}

	waitFor(t, "natural exit", func() bool {
		res, err := eng.Output(id)
		return err == nil && !res.Running
	})

	code, err := eng.Kill(id)
	if err != nil {
		t.Fatalf("Kill on exited record failed: %v", err)
	}
	if code != 7 {
		t.Errorf("kill code = %d, want recorded 7", code)
	}
	if status, _ := sessionStatus(eng, id); status != session.StatusExited {
		t.Errorf("status = %q, want %q (kill must not rewrite a natural exit)", status, session.StatusExited)
	}
}

func TestStartDetached_ConcurrentSessionsAreIndependent(t *testing.T) {
	exec := executor.NewFakeExecutor()
	for _, name := range []string{"writer-a", "writer-b"} {
		tag := strings.TrimPrefix(name, "writer-")
		exec.RegisterCommand(name, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
			fmt.Fprintln(stdout, tag)
			return 0
		})
	}
	eng := newTestEngine(exec)

	ids := make(chan string, 2)
	for _, cmd := range []string{"writer-a", "writer-b"} {
		go func() {
			id, err := eng.StartDetached(cmd, "")
			if err != nil {
				t.Errorf("StartDetached(%q) failed: %v", cmd, err)
			}
			ids <- id
		}()
	}
	idA, idB := <-ids, <-ids
	if idA == idB {
		t.Fatalf("both starts returned id %q", idA)
	}

	collect := func(id string) string {
		var sb strings.Builder
		waitFor(t, "exit of "+id, func() bool {
			res, err := eng.Output(id)
			if err != nil {
				t.Fatalf("Output(%q) failed: %v", id, err)
			}
			sb.WriteString(res.Stdout)
			return !res.Running
		})
		return sb.String()
	}

	outA, outB := collect(idA), collect(idB)
	if outA == outB {
		t.Errorf("both sessions produced %q; buffers cross-contaminated", outA)
	}
	for _, out := range []string{outA, outB} {
		if out != "a\n" && out != "b\n" {
			t.Errorf("unexpected session output %q", out)
		}
	}
}

// registerEchoShell installs a fake interactive shell that echoes each input
// line and quits on "exit".
func registerEchoShell(exec *executor.FakeExecutor, name string) {
	exec.RegisterCommand(name, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "exit" {
				return 0
			}
			fmt.Fprintln(stdout, line)
		}
		return 0
	})
}

func TestInteractive_EchoRoundTrip(t *testing.T) {
	exec := executor.NewFakeExecutor()
	registerEchoShell(exec, "fake-shell")
	eng := newTestEngine(exec)

	// Empty cmd falls back to the configured shell.
	id, err := eng.StartInteractive("")
	if err != nil {
		t.Fatalf("StartInteractive failed: %v", err)
	}

	if _, err := eng.InteractiveInput(id, "hi\n"); err != nil {
		t.Fatalf("InteractiveInput failed: %v", err)
	}

	var output strings.Builder
	waitFor(t, "echoed output", func() bool {
		delta, err := eng.InteractiveOutput(id)
		if err != nil {
			t.Fatalf("InteractiveOutput failed: %v", err)
		}
		output.WriteString(delta)
		return strings.Contains(output.String(), "hi")
	})

	if _, err := eng.InteractiveInput(id, "exit\n"); err != nil {
		t.Fatalf("InteractiveInput(exit) failed: %v", err)
	}
	waitFor(t, "session exit", func() bool {
		status, ok := sessionStatus(eng, id)
		return ok && status == session.StatusExited
	})

	// Input to an exited session is a typed failure, not a hang.
	if _, err := eng.InteractiveInput(id, "late\n"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("input after exit: err = %v, want ErrSessionClosed", err)
	}
}

func TestInteractiveKill(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("fake-shell", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 1
	})
	eng := newTestEngine(exec)

	id, err := eng.StartInteractive("")
	if err != nil {
		t.Fatalf("StartInteractive failed: %v", err)
	}

	code, err := eng.InteractiveKill(id)
	if err != nil {
		t.Fatalf("InteractiveKill failed: %v", err)
	}
	if code != 1 {
		t.Errorf("kill code = %d, want 1", code)
	}
	if status, _ := sessionStatus(eng, id); status != session.StatusKilled {
		t.Errorf("status = %q, want %q", status, session.StatusKilled)
	}

	// Idempotent on the terminal record.
	if again, err := eng.InteractiveKill(id); err != nil || again != code {
		t.Errorf("second InteractiveKill = (%d, %v), want (%d, nil)", again, err, code)
	}
}

func TestAttach_TeesWithoutMovingCursor(t *testing.T) {
	exec := executor.NewFakeExecutor()
	registerEchoShell(exec, "fake-shell")
	eng := newTestEngine(exec)

	id, err := eng.StartInteractive("")
	if err != nil {
		t.Fatalf("StartInteractive failed: %v", err)
	}
	defer eng.InteractiveKill(id)

	ch, detach, err := eng.Attach(id)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer detach()

	if _, err := eng.InteractiveInput(id, "teed\n"); err != nil {
		t.Fatalf("InteractiveInput failed: %v", err)
	}

	var teed strings.Builder
	deadline := time.After(3 * time.Second)
	for !strings.Contains(teed.String(), "teed") {
		select {
		case chunk, ok := <-ch:
			if !ok {
				t.Fatalf("tee closed early, got %q", teed.String())
			}
			teed.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for teed output, got %q", teed.String())
		}
	}

	// The tee carries copies; the poll cursor still sees everything.
	var polled strings.Builder
	waitFor(t, "polled output", func() bool {
		delta, err := eng.InteractiveOutput(id)
		if err != nil {
			t.Fatalf("InteractiveOutput failed: %v", err)
		}
		polled.WriteString(delta)
		return strings.Contains(polled.String(), "teed")
	})
}

func TestPurge(t *testing.T) {
	exec := executor.NewFakeExecutor()
	exec.RegisterCommand("hang", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 0
	})
	eng := newTestEngine(exec)

	id, err := eng.StartDetached("hang", "")
	if err != nil {
		t.Fatalf("StartDetached failed: %v", err)
	}

	if err := eng.Purge(id); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if _, err := eng.Output(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Output after purge: err = %v, want ErrNotFound", err)
	}
	if err := eng.Purge(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Purge: err = %v, want ErrNotFound", err)
	}
}
