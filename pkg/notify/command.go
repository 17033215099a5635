package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/opswatch/pkg/runner"
)

// Placeholders substituted in command argv.
const (
	PlaceholderTarget  = "{target}"
	PlaceholderMessage = "{message}"
)

// Command delivers through an external program, for example a chat CLI.
// Each argv element may contain {target} and {message}.
type Command struct {
	argv    []string
	runner  runner.Runner
	timeout time.Duration
}

// NewCommand returns a Command sink. A non-positive timeout means 20s.
func NewCommand(argv []string, r runner.Runner, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("notify command argv is empty")
	}
	if r == nil {
		r = runner.Exec{}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Command{argv: argv, runner: r, timeout: timeout}, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Notify(ctx context.Context, target, message string) error {
	argv := make([]string, len(c.argv))
	for i, a := range c.argv {
		a = strings.ReplaceAll(a, PlaceholderTarget, target)
		argv[i] = strings.ReplaceAll(a, PlaceholderMessage, message)
	}
	res := c.runner.Run(ctx, runner.Command{Argv: argv, Timeout: c.timeout})
	if res.OK() {
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("notify command: %w", res.Err)
	}
	detail := res.StderrTail
	if detail == "" {
		detail = res.StdoutTail
	}
	return fmt.Errorf("notify command exited %d: %s", res.ExitCode, detail)
}
