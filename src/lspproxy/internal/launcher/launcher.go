// Package launcher wraps process creation and executable resolution so that
// both can be replaced in tests and in latency-sensitive deployments.
package launcher

import (
	"context"
	"io"
	"os"
	"os/exec"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the os/exec backed Launcher into an Fx application.
var Module = fx.Provide(New)

// Handle is a live child process.
type Handle interface {
	// Pid returns the operating system process id.
	Pid() int
	// Stdin is the pipe connected to the child's standard input.
	Stdin() io.WriteCloser
	// Stdout is the pipe connected to the child's standard output.
	Stdout() io.ReadCloser
	// Stderr is the pipe connected to the child's standard error.
	Stderr() io.ReadCloser
	// Wait blocks until the child exits and returns its exit error, if any.
	Wait() error
	// Kill terminates the child immediately.
	Kill() error
}

// Launcher starts language server processes and resolves their executables.
type Launcher interface {
	// LookPath resolves an executable name against the host PATH. Any failure,
	// including the lookup mechanism itself failing, yields an error.
	LookPath(executable string) (string, error)
	// Launch starts executable with args in dir, inheriting the host
	// environment, with stdin/stdout/stderr captured as pipes. A process that
	// never starts returns an error and no Handle.
	Launch(ctx context.Context, executable string, args []string, dir string) (Handle, error)
}

// Params define values to be used by the Launcher.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
}

type osLauncher struct {
	logger *zap.SugaredLogger
}

// New returns a Launcher backed by os/exec.
func New(p Params) Launcher {
	return &osLauncher{logger: p.Logger}
}

func (l *osLauncher) LookPath(executable string) (string, error) {
	return exec.LookPath(executable)
}

func (l *osLauncher) Launch(ctx context.Context, executable string, args []string, dir string) (Handle, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	l.logger.Infow("launching language server",
		zap.String("executable", executable),
		zap.Strings("args", args),
		zap.String("dir", dir))

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &osHandle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type osHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *osHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *osHandle) Stdin() io.WriteCloser {
	return h.stdin
}

func (h *osHandle) Stdout() io.ReadCloser {
	return h.stdout
}

func (h *osHandle) Stderr() io.ReadCloser {
	return h.stderr
}

func (h *osHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *osHandle) Kill() error {
	return h.cmd.Process.Kill()
}
