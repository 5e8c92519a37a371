// Package approve implements the local confirmation gate that intercepts
// every command string before it reaches the execution engine. The gate is a
// pluggable hook so it can be swapped or bypassed per configuration; the
// engine itself never approves anything.
package approve

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Approver decides whether a command may be executed.
type Approver interface {
	Approve(command string) bool
}

// Auto approves everything. Used when the agent is started with the bypass
// flag.
type Auto struct{}

func (Auto) Approve(string) bool { return true }

// Deny rejects everything. Used when no operator terminal is available to
// ask.
type Deny struct{}

func (Deny) Approve(string) bool { return false }

// Prompt asks a local operator for Y/n approval on each command. Concurrent
// requests are serialized so prompts never interleave.
type Prompt struct {
	In  io.Reader
	Out io.Writer

	mu sync.Mutex
}

// NewPrompt creates a Prompt reading answers from in and writing questions
// to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{In: in, Out: out}
}

// Approve prints the command and reads one line. Empty input, "y" and "yes"
// approve; anything else denies.
func (p *Prompt) Approve(command string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.Out, "Execute %q? [Y/n] ", command)

	scanner := bufio.NewScanner(p.In)
	if !scanner.Scan() {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "", "y", "yes":
		return true
	default:
		return false
	}
}

// Default picks the gate for the agent's startup configuration: Auto when
// the bypass flag is set, a terminal Prompt when stdin is a TTY, and Deny
// otherwise (headless agents cannot ask anyone, so they fail closed).
func Default(bypass bool) Approver {
	if bypass {
		return Auto{}
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return NewPrompt(os.Stdin, os.Stderr)
	}
	return Deny{}
}
