package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// BrowserFetcher downloads a browser binary onto the host.
type BrowserFetcher interface {
	Fetch(ctx context.Context) error
	Name() string
}

// ExitError reports a fetch command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

// CommandConfig describes an external install command and where its streams go.
// Nil streams inherit the process's stdin, stdout and stderr.
type CommandConfig struct {
	Command []string
	Dir     string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// CommandFetcher runs a package-manager install command and waits for it to exit.
type CommandFetcher struct {
	name   string
	args   []string
	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewCommandFetcher validates cfg and returns a CommandFetcher.
func NewCommandFetcher(cfg CommandConfig) (*CommandFetcher, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("install command is required")
	}
	f := &CommandFetcher{
		name:   cfg.Command[0],
		args:   append([]string(nil), cfg.Command[1:]...),
		dir:    cfg.Dir,
		stdin:  cfg.Stdin,
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
	}
	if f.stdin == nil {
		f.stdin = os.Stdin
	}
	if f.stdout == nil {
		f.stdout = os.Stdout
	}
	if f.stderr == nil {
		f.stderr = os.Stderr
	}
	return f, nil
}

// Name returns the command line for logs.
func (f *CommandFetcher) Name() string {
	return strings.Join(append([]string{f.name}, f.args...), " ")
}

// Fetch runs the command, streaming its output, until it exits or ctx ends.
func (f *CommandFetcher) Fetch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, f.name, f.args...)
	cmd.Dir = f.dir
	cmd.Stdin = f.stdin
	cmd.Stdout = f.stdout
	cmd.Stderr = f.stderr
	// Grandchildren may keep copied pipes open after the kill.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("command %q interrupted: %w", f.Name(), ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Command: f.Name(), ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("run command %q: %w", f.Name(), err)
	}
	return nil
}
