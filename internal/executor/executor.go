// Package executor provides an abstraction for spawning the processes the
// agent controls, either through pipes or attached to a PTY slave.
package executor

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process represents a running process.
type Process interface {
	// Wait blocks until the process exits and returns the exit code.
	// Processes killed by a signal report -1.
	Wait() (exitCode int, err error)
	// Signal delivers sig to the process group so that children of a shell
	// command are caught as well.
	Signal(sig syscall.Signal) error
	// Kill sends SIGKILL to the process group.
	Kill() error
}

// Executor starts processes.
type Executor interface {
	// Start starts a command with the given I/O configuration. The command
	// becomes its own process group leader.
	Start(cmd []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error)

	// StartPTY starts a command connected to a PTY slave. The slave file is
	// used for stdin/stdout/stderr and the process becomes the session
	// leader with the PTY as its controlling terminal.
	StartPTY(cmd []string, slave *os.File) (Process, error)
}

// ExecExecutor is the default Executor that uses os/exec.
type ExecExecutor struct{}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid addresses the whole group. Setpgid/Setsid at start time
	// made the child the group leader, so its group id equals its pid.
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Start implements Executor.Start using os/exec.
func (e *ExecExecutor) Start(cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd}, nil
}

// StartPTY implements Executor.StartPTY using os/exec with PTY setup.
func (e *ExecExecutor) StartPTY(cmdArgs []string, slave *os.File) (Process, error) {
	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd}, nil
}

// Default returns the default ExecExecutor.
func Default() Executor {
	return &ExecExecutor{}
}
