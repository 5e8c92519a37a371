// Package engine creates and controls the agent's processes in three modes:
// blocking one-shot runs, detached runs polled for buffered output, and
// interactive PTY sessions driven by live input.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/omeriko9/shellgpt/internal/buffer"
	"github.com/omeriko9/shellgpt/internal/executor"
	"github.com/omeriko9/shellgpt/internal/session"
)

// ErrNotFound is returned when no session with the given id exists.
var ErrNotFound = errors.New("session not found")

// ErrSessionClosed is returned when input is sent to a session whose process
// already exited.
var ErrSessionClosed = errors.New("session closed")

// ExecError reports that a process could not be spawned. It is always
// surfaced to the caller, never fatal to the agent.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string { return "spawn failed: " + e.Err.Error() }
func (e *ExecError) Unwrap() error { return e.Err }

// KilledExitCode is the sentinel reported when the OS gives no exit code for
// a forcibly killed process.
const KilledExitCode = -1

// DefaultShell is the command run by interactive sessions when the request
// names none.
const DefaultShell = "/bin/bash"

// DefaultKillGrace is how long Kill waits for a SIGTERM'd process to exit
// before escalating to SIGKILL.
const DefaultKillGrace = 2 * time.Second

// Config configures an Engine. Zero values get sensible defaults.
type Config struct {
	Executor    executor.Executor
	Shell       string
	KillGrace   time.Duration
	BufferLimit int
	// OpenPTY is optional; defaults to OpenRealPTY. Tests inject
	// OpenFakePTY here.
	OpenPTY func() (PTYPair, error)
}

// Engine spawns processes and tracks detached and interactive sessions in a
// session table. Blocking runs never enter the table; they complete before
// returning.
type Engine struct {
	exec      executor.Executor
	table     *session.Table
	shell     string
	killGrace time.Duration
	bufLimit  int
	openPTY   func() (PTYPair, error)
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		exec:      cfg.Executor,
		table:     session.NewTable(),
		shell:     cfg.Shell,
		killGrace: cfg.KillGrace,
		bufLimit:  cfg.BufferLimit,
		openPTY:   cfg.OpenPTY,
	}
	if e.exec == nil {
		e.exec = executor.Default()
	}
	if e.shell == "" {
		e.shell = DefaultShell
	}
	if e.killGrace <= 0 {
		e.killGrace = DefaultKillGrace
	}
	if e.bufLimit == 0 {
		e.bufLimit = buffer.DefaultLimit
	}
	if e.openPTY == nil {
		e.openPTY = OpenRealPTY
	}
	return e
}

// shellArgv wraps a command string for the system shell, the same way the
// controller's commands arrive: as one opaque shell line.
func shellArgv(command string) []string {
	return []string{"/bin/sh", "-c", command}
}

// BlockingResult is the outcome of a blocking run.
type BlockingResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunBlocking spawns command, feeds it stdin, waits for it to exit, and
// returns the captured output. It blocks for the process's entire lifetime.
func (e *Engine) RunBlocking(command, stdin string) (BlockingResult, error) {
	var stdout, stderr bytes.Buffer

	var in io.Reader
	if stdin != "" {
		in = strings.NewReader(stdin)
	}

	proc, err := e.exec.Start(shellArgv(command), in, &stdout, &stderr)
	if err != nil {
		return BlockingResult{}, &ExecError{Err: err}
	}

	code, err := proc.Wait()
	if err != nil {
		return BlockingResult{}, fmt.Errorf("waiting for process: %w", err)
	}

	return BlockingResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// StartDetached spawns command in the background and returns its session id
// without waiting. Output is drained into per-stream buffers until the
// process exits.
func (e *Engine) StartDetached(command, stdin string) (string, error) {
	stdoutBuf := buffer.New(e.bufLimit)
	stderrBuf := buffer.New(e.bufLimit)

	var in io.Reader
	if stdin != "" {
		in = strings.NewReader(stdin)
	}

	proc, err := e.exec.Start(shellArgv(command), in, stdoutBuf, stderrBuf)
	if err != nil {
		return "", &ExecError{Err: err}
	}

	rec := session.NewRecord(session.Spec{
		ID:      session.NewID(),
		Mode:    session.ModeDetached,
		Command: command,
		Proc:    proc,
		Stdout:  stdoutBuf,
		Stderr:  stderrBuf,
	})
	e.table.Add(rec)

	go e.reap(rec, proc)

	return rec.ID, nil
}

// reap waits for a process to exit and drives the record's single
// Running -> terminal transition. Wait returns only after the output
// streams are fully drained, so pollers see all trailing output once the
// record reports not-running.
func (e *Engine) reap(rec *session.Record, proc executor.Process) {
	defer func() {
		// A fault here must not leave the record Running forever with a
		// dead handle; every later poll or kill on it would dangle.
		if v := recover(); v != nil {
			rec.Finalize(session.StatusKilled, KilledExitCode)
		}
	}()

	code, err := proc.Wait()
	if err != nil {
		code = KilledExitCode
	}
	status := session.StatusExited
	if rec.KillRequested() {
		status = session.StatusKilled
	}
	rec.Finalize(status, code)
}

// OutputResult is one poll's worth of a detached session's state.
type OutputResult struct {
	Stdout   string
	Stderr   string
	Running  bool
	ExitCode *int
}

// Output returns everything the session has written since the previous
// call, plus its current liveness.
func (e *Engine) Output(id string) (OutputResult, error) {
	rec, err := e.lookup(id, session.ModeDetached)
	if err != nil {
		return OutputResult{}, err
	}

	status, code := rec.Status()
	return OutputResult{
		Stdout:   rec.Stdout.TakeDelta(),
		Stderr:   rec.Stderr.TakeDelta(),
		Running:  status == session.StatusRunning,
		ExitCode: code,
	}, nil
}

// Kill terminates a detached session's process group and returns the final
// exit code. Killing an already-terminal session is a no-op that reports the
// recorded code.
func (e *Engine) Kill(id string) (int, error) {
	rec, err := e.lookup(id, session.ModeDetached)
	if err != nil {
		return 0, err
	}
	return e.kill(rec), nil
}

// kill drives a record out of Running: SIGTERM to the group, a bounded
// grace wait, then SIGKILL. By the time it returns the record is terminal.
func (e *Engine) kill(rec *session.Record) int {
	proc := rec.Proc()
	if proc == nil {
		// Already finalized; idempotent.
		return recordedExitCode(rec)
	}

	rec.RequestKill()
	proc.Signal(syscall.SIGTERM)

	select {
	case <-rec.Done():
	case <-time.After(e.killGrace):
		proc.Kill()
		select {
		case <-rec.Done():
		case <-time.After(e.killGrace):
			// The reaper is stuck on an unkillable process. Finalize
			// defensively rather than leave the record Running.
			rec.Finalize(session.StatusKilled, KilledExitCode)
		}
	}

	return recordedExitCode(rec)
}

func recordedExitCode(rec *session.Record) int {
	if _, code := rec.Status(); code != nil {
		return *code
	}
	return KilledExitCode
}

// Shell returns the default interactive shell.
func (e *Engine) Shell() string {
	return e.shell
}

// StartInteractive allocates a PTY, spawns cmd attached to it (the default
// shell when cmd is empty), and returns the session id. A single drain loop
// merges everything the PTY produces into one buffer.
func (e *Engine) StartInteractive(cmd string) (string, error) {
	if cmd == "" {
		cmd = e.shell
	}

	p, err := e.openPTY()
	if err != nil {
		return "", &ExecError{Err: err}
	}
	p.SetSize(24, 80)

	proc, err := e.exec.StartPTY(shellArgv(cmd), p.Slave())
	if err != nil {
		p.Close()
		return "", &ExecError{Err: err}
	}
	// The child owns the slave now.
	p.CloseSlave()

	rec := session.NewRecord(session.Spec{
		ID:      session.NewID(),
		Mode:    session.ModeInteractive,
		Command: cmd,
		Proc:    proc,
		Input:   p.Master(),
		Stdout:  buffer.New(e.bufLimit),
		Closers: []io.Closer{p},
	})
	e.table.Add(rec)

	go e.drainPTY(rec, p.Master(), proc)

	return rec.ID, nil
}

// drainPTY copies the merged PTY stream into the record's buffer until the
// master reads fail, then reaps the process. Read errors are the normal way
// a PTY signals child exit, so any error ends the loop.
func (e *Engine) drainPTY(rec *session.Record, master io.Reader, proc executor.Process) {
	defer func() {
		if v := recover(); v != nil {
			rec.Finalize(session.StatusKilled, KilledExitCode)
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			rec.Stdout.Append(buf[:n])
			rec.Broadcast(buf[:n])
		}
		if err != nil {
			break
		}
	}

	code, err := proc.Wait()
	if err != nil {
		code = KilledExitCode
	}
	status := session.StatusExited
	if rec.KillRequested() {
		status = session.StatusKilled
	}
	rec.Finalize(status, code)
}

// InteractiveOutput returns the merged PTY output produced since the
// previous call.
func (e *Engine) InteractiveOutput(id string) (string, error) {
	rec, err := e.lookup(id, session.ModeInteractive)
	if err != nil {
		return "", err
	}
	return rec.Stdout.TakeDelta(), nil
}

// InteractiveInput writes text verbatim to the session's PTY master. The
// caller supplies any trailing newline needed to submit a line.
func (e *Engine) InteractiveInput(id, text string) (int, error) {
	rec, err := e.lookup(id, session.ModeInteractive)
	if err != nil {
		return 0, err
	}

	n, ok, err := rec.WriteInput([]byte(text))
	if !ok {
		return 0, ErrSessionClosed
	}
	if err != nil {
		return n, fmt.Errorf("writing to pty: %w", err)
	}
	return n, nil
}

// InteractiveKill terminates an interactive session. The PTY pair is closed
// as part of the record's finalization, so no descriptors leak.
func (e *Engine) InteractiveKill(id string) (int, error) {
	rec, err := e.lookup(id, session.ModeInteractive)
	if err != nil {
		return 0, err
	}
	return e.kill(rec), nil
}

// Attach registers a live tee on an interactive session's output stream.
// Teed bytes are copies; the poll cursor is unaffected. The channel closes
// when the session ends; detach must be called when the client goes away.
func (e *Engine) Attach(id string) (<-chan []byte, func(), error) {
	rec, err := e.lookup(id, session.ModeInteractive)
	if err != nil {
		return nil, nil, err
	}
	ch, detach := rec.Attach()
	return ch, detach, nil
}

// Info is a point-in-time snapshot of one session.
type Info struct {
	ID       string         `json:"id"`
	Mode     session.Mode   `json:"mode"`
	Status   session.Status `json:"status"`
	Command  string         `json:"command"`
	Created  time.Time      `json:"created"`
	ExitCode *int           `json:"exit_code"`
}

// List snapshots every tracked session.
func (e *Engine) List() []Info {
	records := e.table.List()
	out := make([]Info, 0, len(records))
	for _, rec := range records {
		status, code := rec.Status()
		out = append(out, Info{
			ID:       rec.ID,
			Mode:     rec.Mode,
			Status:   status,
			Command:  rec.Command,
			Created:  rec.Created,
			ExitCode: code,
		})
	}
	return out
}

// Purge removes a session from the table, killing it first if it is still
// running.
func (e *Engine) Purge(id string) error {
	rec, ok := e.table.Get(id)
	if !ok {
		return ErrNotFound
	}
	if rec.Running() {
		e.kill(rec)
	}
	e.table.Remove(id)
	return nil
}

// lookup fetches a record by id, requiring the given mode so detached ids
// cannot be driven through the interactive surface or vice versa.
func (e *Engine) lookup(id string, mode session.Mode) (*session.Record, error) {
	rec, ok := e.table.Get(id)
	if !ok || rec.Mode != mode {
		return nil, ErrNotFound
	}
	return rec, nil
}
