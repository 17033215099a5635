// Package proc signals local processes by pid.
package proc

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoPID is returned when there is no process to signal.
var ErrNoPID = errors.New("no pid")

// Controller terminates processes. Engine code depends on this interface so
// tests can avoid signalling real pids.
type Controller interface {
	Terminate(ctx context.Context, pid int, grace time.Duration) (Outcome, error)
}

// Outcome describes what Terminate had to do.
type Outcome string

const (
	OutcomeSignalled  Outcome = "term"
	OutcomeTerminated Outcome = "term;exited"
	OutcomeKilled     Outcome = "term;forced=kill"
	OutcomeGone       Outcome = "gone"
)

// Signaller sends SIGTERM. With a positive grace it waits for the process to
// exit and kills it once the grace runs out; with zero grace it returns as
// soon as the signal is sent.
type Signaller struct {
	Poll time.Duration
}

// Default returns a Signaller polling every 250ms.
func Default() Signaller {
	return Signaller{Poll: 250 * time.Millisecond}
}

func (s Signaller) Terminate(ctx context.Context, pid int, grace time.Duration) (Outcome, error) {
	if pid <= 0 {
		return "", ErrNoPID
	}
	if !Alive(pid) {
		return OutcomeGone, nil
	}
	if err := terminate(pid); err != nil {
		return "", fmt.Errorf("signal pid %d: %w", pid, err)
	}
	if grace <= 0 {
		return OutcomeSignalled, nil
	}

	poll := s.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return OutcomeTerminated, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
	if !Alive(pid) {
		return OutcomeTerminated, nil
	}
	if err := kill(pid); err != nil {
		return "", fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return OutcomeKilled, nil
}
