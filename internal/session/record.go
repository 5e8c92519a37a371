// Package session holds the per-process state records and the concurrent
// table that maps session ids to them. The table is the only shared mutable
// state in the agent; everything else reaches a record by id, acts on it
// under the record's own lock, and lets go.
package session

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omeriko9/shellgpt/internal/buffer"
	"github.com/omeriko9/shellgpt/internal/executor"
)

// Mode identifies how a record's process was started.
type Mode string

const (
	ModeBlocking    Mode = "blocking"
	ModeDetached    Mode = "detached"
	ModeInteractive Mode = "interactive"
)

// Status is the lifecycle state of a record. Running is the sole initial
// state; Exited and Killed are terminal.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusKilled  Status = "killed"
)

// NewID generates an opaque session identifier. IDs are never reused.
func NewID() string {
	return uuid.NewString()
}

// Spec describes a new record.
type Spec struct {
	ID      string
	Mode    Mode
	Command string

	// Proc is the live process handle; the record owns it until finalized.
	Proc executor.Process
	// Input is where send-input writes go (process stdin or PTY master).
	Input io.Writer
	// Stdout and Stderr receive drained output. Interactive sessions
	// multiplex everything through the PTY, so Stderr stays nil.
	Stdout *buffer.Buffer
	Stderr *buffer.Buffer
	// Closers are released exactly once, when the record leaves Running.
	Closers []io.Closer
}

// Record is the state holder for one spawned process.
type Record struct {
	ID      string
	Mode    Mode
	Command string
	Created time.Time

	Stdout *buffer.Buffer
	Stderr *buffer.Buffer

	mu            sync.Mutex
	status        Status
	exitCode      *int
	proc          executor.Process
	input         io.Writer
	closers       []io.Closer
	killRequested bool
	done          chan struct{}

	attached map[int]chan []byte
	nextTee  int
}

// NewRecord creates a Running record from spec.
func NewRecord(spec Spec) *Record {
	return &Record{
		ID:       spec.ID,
		Mode:     spec.Mode,
		Command:  spec.Command,
		Created:  time.Now(),
		Stdout:   spec.Stdout,
		Stderr:   spec.Stderr,
		status:   StatusRunning,
		proc:     spec.Proc,
		input:    spec.Input,
		closers:  spec.Closers,
		done:     make(chan struct{}),
		attached: make(map[int]chan []byte),
	}
}

// Status returns the current lifecycle state and exit code (nil while
// running).
func (r *Record) Status() (Status, *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.exitCode
}

// Running reports whether the record is still in the Running state.
func (r *Record) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusRunning
}

// Proc returns the live process handle, or nil once the record is terminal.
func (r *Record) Proc() executor.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// WriteInput writes p to the process input. The bool result is false if the
// record is no longer running.
func (r *Record) WriteInput(p []byte) (int, bool, error) {
	r.mu.Lock()
	input := r.input
	running := r.status == StatusRunning
	r.mu.Unlock()

	if !running || input == nil {
		return 0, false, nil
	}
	n, err := input.Write(p)
	return n, true, err
}

// RequestKill marks that termination was requested, so the finalizer records
// Killed rather than Exited when the process dies.
func (r *Record) RequestKill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killRequested = true
}

// KillRequested reports whether RequestKill was called.
func (r *Record) KillRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killRequested
}

// Finalize performs the single Running -> terminal transition: records the
// exit code, releases the handle and any owned descriptors, and closes the
// done channel. Later calls are no-ops and report false.
func (r *Record) Finalize(status Status, exitCode int) bool {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	r.status = status
	r.exitCode = &exitCode
	r.proc = nil
	r.input = nil
	closers := r.closers
	r.closers = nil
	for _, ch := range r.attached {
		close(ch)
	}
	r.attached = make(map[int]chan []byte)
	r.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	close(r.done)
	return true
}

// Done returns a channel closed when the record leaves the Running state.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Attach registers a tee that receives copies of output produced after this
// call. The returned detach func must be called when the client goes away.
// The channel is closed when the record finalizes.
func (r *Record) Attach() (<-chan []byte, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextTee
	r.nextTee++
	ch := make(chan []byte, 64)
	if r.status != StatusRunning {
		close(ch)
		return ch, func() {}
	}
	r.attached[id] = ch

	detach := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.attached[id]; ok {
			delete(r.attached, id)
			close(c)
		}
	}
	return ch, detach
}

// Broadcast sends a copy of p to every attached tee. Slow clients are
// skipped rather than blocking the drain loop.
func (r *Record) Broadcast(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attached) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	for _, ch := range r.attached {
		select {
		case ch <- cp:
		default:
		}
	}
}
