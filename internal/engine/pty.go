package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTYPair represents a bidirectional terminal connection. The abstraction
// exists so tests can run interactive sessions without /dev/ptmx.
type PTYPair interface {
	// Master returns the master side (what the agent reads and writes).
	Master() io.ReadWriteCloser
	// Slave returns the slave file handed to the spawned process.
	Slave() *os.File
	// SetSize sets the terminal size.
	SetSize(rows, cols uint16) error
	// Close closes both sides.
	Close() error
	// CloseSlave closes just the slave side, after the child owns it.
	CloseSlave() error
}

// RealPTY implements PTYPair using actual Unix PTYs.
type RealPTY struct {
	master *os.File
	slave  *os.File
}

// OpenRealPTY creates a real PTY pair.
func OpenRealPTY() (PTYPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &RealPTY{master: master, slave: slave}, nil
}

func (p *RealPTY) Master() io.ReadWriteCloser { return p.master }
func (p *RealPTY) Slave() *os.File            { return p.slave }

func (p *RealPTY) SetSize(rows, cols uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *RealPTY) Close() error {
	p.master.Close()
	if p.slave != nil {
		p.slave.Close()
	}
	return nil
}

func (p *RealPTY) CloseSlave() error {
	if p.slave != nil {
		err := p.slave.Close()
		p.slave = nil
		return err
	}
	return nil
}

// FakePTY implements PTYPair using a Unix socket pair. Unlike pipes, socket
// pairs are bidirectional, matching the semantics of a real PTY.
type FakePTY struct {
	master *os.File
	slave  *os.File
}

// OpenFakePTY creates a fake PTY pair backed by a socket pair.
func OpenFakePTY() (PTYPair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket pair: %w", err)
	}
	return &FakePTY{
		master: os.NewFile(uintptr(fds[0]), "fakepty-master"),
		slave:  os.NewFile(uintptr(fds[1]), "fakepty-slave"),
	}, nil
}

func (p *FakePTY) Master() io.ReadWriteCloser { return p.master }
func (p *FakePTY) Slave() *os.File            { return p.slave }

func (p *FakePTY) SetSize(rows, cols uint16) error { return nil }

func (p *FakePTY) Close() error {
	p.master.Close()
	if p.slave != nil {
		p.slave.Close()
	}
	return nil
}

func (p *FakePTY) CloseSlave() error {
	if p.slave != nil {
		err := p.slave.Close()
		p.slave = nil
		return err
	}
	return nil
}
