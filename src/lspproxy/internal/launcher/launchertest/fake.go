// Package launchertest provides an in-memory Launcher implementation for
// tests that need scriptable child processes without touching the host.
package launchertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher"
)

// ErrNotInstalled is returned by LookPath for executables marked missing.
var ErrNotInstalled = errors.New("executable not found on fake host")

// Fake is a Launcher whose processes live entirely in memory. Each Launch
// produces a Proc that the test can drive: emit stdout bytes, inspect stdin
// writes, and force exits.
type Fake struct {
	mu        sync.Mutex
	missing   map[string]struct{}
	launchErr error
	procs     []*Proc
	nextPid   int
}

// New returns an empty Fake on which every executable resolves.
func New() *Fake {
	return &Fake{
		missing: make(map[string]struct{}),
		nextPid: 1000,
	}
}

// MarkMissing makes LookPath fail for the given executable.
func (f *Fake) MarkMissing(executable string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[executable] = struct{}{}
}

// FailNextLaunch makes the next Launch call return err without starting a Proc.
func (f *Fake) FailNextLaunch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr = err
}

// Procs returns every Proc launched so far, in launch order.
func (f *Fake) Procs() []*Proc {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Proc, len(f.procs))
	copy(out, f.procs)
	return out
}

// LaunchCount returns the number of successful Launch calls.
func (f *Fake) LaunchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

// LookPath implements launcher.Launcher.
func (f *Fake) LookPath(executable string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.missing[executable]; ok {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, executable)
	}
	return "/usr/bin/" + executable, nil
}

// Launch implements launcher.Launcher.
func (f *Fake) Launch(ctx context.Context, executable string, args []string, dir string) (launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.launchErr != nil {
		err := f.launchErr
		f.launchErr = nil
		return nil, err
	}

	f.nextPid++
	p := newProc(f.nextPid, executable, args, dir)
	f.procs = append(f.procs, p)
	return p, nil
}

// Proc is a scripted in-memory child process.
type Proc struct {
	Executable string
	Args       []string
	Dir        string

	pid   int
	stdin *stdinBuffer

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

func newProc(pid int, executable string, args []string, dir string) *Proc {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &Proc{
		Executable: executable,
		Args:       args,
		Dir:        dir,
		pid:        pid,
		stdin:      &stdinBuffer{},
		stdoutR:    stdoutR,
		stdoutW:    stdoutW,
		stderrR:    stderrR,
		stderrW:    stderrW,
		exited:     make(chan struct{}),
	}
}

// Pid implements launcher.Handle.
func (p *Proc) Pid() int { return p.pid }

// Stdin implements launcher.Handle.
func (p *Proc) Stdin() io.WriteCloser { return p.stdin }

// Stdout implements launcher.Handle.
func (p *Proc) Stdout() io.ReadCloser { return p.stdoutR }

// Stderr implements launcher.Handle.
func (p *Proc) Stderr() io.ReadCloser { return p.stderrR }

// Wait implements launcher.Handle; it blocks until Exit or Kill.
func (p *Proc) Wait() error {
	<-p.exited
	return p.waitErr
}

// Kill implements launcher.Handle.
func (p *Proc) Kill() error {
	p.Exit(errors.New("killed"))
	return nil
}

// Exit terminates the process with the given exit error, closing its pipes
// and unblocking Wait.
func (p *Proc) Exit(err error) {
	p.exitOnce.Do(func() {
		p.waitErr = err
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdin.close()
		close(p.exited)
	})
}

// Exited reports whether the process has terminated.
func (p *Proc) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// EmitStdout writes b to the process's standard output. It blocks until the
// supervisor's pump has consumed the bytes.
func (p *Proc) EmitStdout(b []byte) error {
	_, err := p.stdoutW.Write(b)
	return err
}

// EmitStderr writes b to the process's standard error.
func (p *Proc) EmitStderr(b []byte) error {
	_, err := p.stderrW.Write(b)
	return err
}

// StdinString returns everything written to the process's stdin so far.
func (p *Proc) StdinString() string {
	return p.stdin.String()
}

// stdinBuffer is a write-only buffer that rejects writes after the process
// has exited, mimicking a broken pipe.
type stdinBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *stdinBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *stdinBuffer) Close() error {
	b.close()
	return nil
}

func (b *stdinBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *stdinBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
