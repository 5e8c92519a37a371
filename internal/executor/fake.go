package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// FakeCommand simulates a command execution for tests. It receives the
// command's stdio and arguments and returns an exit code. The context is
// cancelled when the process is signalled.
type FakeCommand func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int

// FakeExecutor is a test implementation of Executor that runs registered
// fake commands in goroutines instead of spawning real processes.
type FakeExecutor struct {
	mu       sync.RWMutex
	commands map[string]FakeCommand
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands: make(map[string]FakeCommand),
	}
}

// RegisterCommand registers a fake command implementation. The name is
// matched against the last element of the command slice, so both
// "fake-cmd" and "/bin/sh -c fake-cmd" resolve to the handler.
func (e *FakeExecutor) RegisterCommand(name string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = handler
}

func (e *FakeExecutor) lookup(cmdArgs []string) (FakeCommand, error) {
	if len(cmdArgs) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	e.mu.RLock()
	handler, ok := e.commands[cmdArgs[len(cmdArgs)-1]]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executable %q not found", cmdArgs[len(cmdArgs)-1])
	}
	return handler, nil
}

// fakeProcess implements Process for FakeExecutor.
type fakeProcess struct {
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL || sig == syscall.SIGINT {
		p.cancel()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.cancel()
	return nil
}

// dup clones an *os.File so the handler goroutine keeps a usable descriptor
// after the caller closes its copy. Non-file streams pass through unchanged.
func dup(stream any) (*os.File, error) {
	f, ok := stream.(*os.File)
	if !ok {
		return nil, nil
	}
	newFd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(newFd), f.Name()), nil
}

// Start implements Executor.Start for FakeExecutor.
func (e *FakeExecutor) Start(cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	handler, err := e.lookup(cmdArgs)
	if err != nil {
		return nil, err
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	stdinFile, err := dup(stdin)
	if err != nil {
		return nil, err
	}
	if stdinFile != nil {
		files = append(files, stdinFile)
		stdin = stdinFile
	}
	stdoutFile, err := dup(stdout)
	if err != nil {
		closeAll()
		return nil, err
	}
	if stdoutFile != nil {
		files = append(files, stdoutFile)
		stdout = stdoutFile
	}
	stderrFile, err := dup(stderr)
	if err != nil {
		closeAll()
		return nil, err
	}
	if stderrFile != nil {
		files = append(files, stderrFile)
		stderr = stderrFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcess{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer closeAll()
		exitCode := handler(ctx, stdin, stdout, stderr, cmdArgs)
		proc.mu.Lock()
		proc.exitCode = exitCode
		proc.mu.Unlock()
		close(proc.done)
	}()

	return proc, nil
}

// StartPTY implements Executor.StartPTY for FakeExecutor. The slave file is
// used directly for all three streams, matching real PTY semantics.
func (e *FakeExecutor) StartPTY(cmdArgs []string, slave *os.File) (Process, error) {
	handler, err := e.lookup(cmdArgs)
	if err != nil {
		return nil, err
	}

	slaveFile, err := dup(slave)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcess{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer slaveFile.Close()
		exitCode := handler(ctx, slaveFile, slaveFile, slaveFile, cmdArgs)
		proc.mu.Lock()
		proc.exitCode = exitCode
		proc.mu.Unlock()
		close(proc.done)
	}()

	return proc, nil
}
