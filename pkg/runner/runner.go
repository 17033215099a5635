// Package runner executes external commands with a hard timeout and
// captures only the tail of their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// TailChars bounds how much of stdout/stderr is kept per run.
	TailChars = 800

	// ExitTimeout is the synthetic exit code reported when a command is killed
	// for exceeding its timeout.
	ExitTimeout = 124

	// ExitSpawnFailure is the synthetic exit code for commands that could not
	// be started at all.
	ExitSpawnFailure = 127
)

// Command describes one execution.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
	Env     []string
	// KeepStdout retains the full stdout in Result.Stdout for callers that
	// must parse it.
	KeepStdout bool
}

// Result is the outcome of a single run. Runs are never retried.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StdoutTail string
	StderrTail string
	// Stdout is only populated when Command.KeepStdout is set.
	Stdout   string
	TimedOut bool
	// Err is set when the process could not be started or waited on.
	Err error
}

// OK reports a clean zero exit.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut && r.Err == nil
}

// Output joins both tails for marker scanning.
func (r Result) Output() string {
	return strings.TrimSpace(r.StdoutTail + "\n" + r.StderrTail)
}

// Runner runs commands. Exec is the production implementation.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, cmd Command) Result

func (f Func) Run(ctx context.Context, cmd Command) Result {
	return f(ctx, cmd)
}

// Exec runs commands as local child processes.
type Exec struct {
	// WaitDelay bounds how long output pipes are drained after the process is
	// killed. Zero means two seconds.
	WaitDelay time.Duration
}

// Run executes cmd and blocks until it exits or its timeout fires.
func (e Exec) Run(ctx context.Context, cmd Command) Result {
	if len(cmd.Argv) == 0 {
		return Result{ExitCode: ExitSpawnFailure, Err: errors.New("empty argv")}
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.WaitDelay = e.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = 2 * time.Second
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Duration:   time.Since(start),
		StdoutTail: Tail(stdout.String(), TailChars),
		StderrTail: Tail(stderr.String(), TailChars),
	}
	if cmd.KeepStdout {
		res.Stdout = stdout.String()
	}

	if cmd.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		res.Err = fmt.Errorf("timed out after %s", cmd.Timeout)
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.ExitCode = ExitSpawnFailure
		res.Err = err
		return res
	}
	return res
}

// Tail trims s and keeps at most the last n characters.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
