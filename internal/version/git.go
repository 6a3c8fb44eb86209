package version

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitReader reads VCS state for a working tree.
type GitReader interface {
	Read(ctx context.Context, dir string) (Git, error)
}

// ExecGit shells out to the git binary with dir as its working directory.
type ExecGit struct {
	Timeout time.Duration
}

func (e ExecGit) Read(ctx context.Context, dir string) (Git, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := func(args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(string(out)), nil
	}

	commit, err := run("rev-parse", "--short", "HEAD")
	if err != nil {
		return Git{}, err
	}
	branch, err := run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Git{}, err
	}
	date, err := run("log", "-1", "--format=%cI")
	if err != nil {
		return Git{}, err
	}
	status, err := run("status", "--porcelain")
	if err != nil {
		return Git{}, err
	}
	return Git{Commit: commit, Branch: branch, Date: date, Dirty: status != ""}, nil
}

// StaticGit returns fixed metadata, or Err when set.
type StaticGit struct {
	Info Git
	Err  error
}

func (s StaticGit) Read(context.Context, string) (Git, error) {
	if s.Err != nil {
		return Git{}, s.Err
	}
	return s.Info, nil
}
