package session

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// PTY abstracts the pseudo-terminal pair driving a session's child process
// so that tests can substitute a scripted implementation.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	// Kill terminates the child process. Safe to call more than once.
	Kill() error
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	Close() error
}

// SpawnOpts describes the child process a PTY is started with.
type SpawnOpts struct {
	Command []string
	Workdir string
	Env     []string
	Cols    int
	Rows    int
}

// Starter spawns a child process on a fresh PTY. The default is StartPTY;
// tests swap in a fake.
type Starter func(opts SpawnOpts) (PTY, error)

// processPTY drives a real child process through creack/pty.
type processPTY struct {
	f   *os.File
	cmd *exec.Cmd
}

// StartPTY starts opts.Command on a new pseudo-terminal sized to the
// requested geometry. The child is placed in its own process group so Kill
// reaches the whole job.
func StartPTY(opts SpawnOpts) (PTY, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("start pty: empty command")
	}
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Workdir
	cmd.Env = opts.Env

	// StartWithSize puts the child in its own session with the PTY as its
	// controlling terminal, so the process group is the child's pid.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &processPTY{f: f, cmd: cmd}, nil
}

func (p *processPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *processPTY) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *processPTY) Resize(cols, rows int) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *processPTY) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the process group set up at spawn.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *processPTY) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode(), nil
	}
	return -1, err
}

func (p *processPTY) Close() error { return p.f.Close() }
