package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"swkit/internal/log"
)

// Command is one external process invocation. Dir is always explicit; the
// orchestrator never changes its own working directory.
type Command struct {
	Dir  string
	Args []string
	// Env is added on top of the current environment.
	Env []string
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// CommandRunner runs the application build.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// RunnerFunc adapts a function to CommandRunner.
type RunnerFunc func(ctx context.Context, cmd Command) error

func (f RunnerFunc) Run(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// ExecRunner runs commands with os/exec and logs their output line by line.
type ExecRunner struct {
	Log *log.Handle
}

func (r ExecRunner) Run(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return errors.New("empty command")
	}
	l := r.Log
	if l == nil {
		l = log.GetLogger("build")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdout := &lineWriter{emit: func(s string) { l.Info().Str("cmd", c.Args[0]).Msg(s) }}
	stderr := &lineWriter{emit: func(s string) { l.Warn().Str("cmd", c.Args[0]).Msg(s) }}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	return nil
}

// lineWriter forwards complete lines to emit.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if line != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		w.emit(rest)
	}
	w.buf.Reset()
}
