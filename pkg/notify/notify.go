// Package notify delivers digest text to a destination.
//
// Every sink implements Notifier. The wire protocol of the final chat or
// paging system is outside this package; sinks hand the message to a local
// command, a redis list, or the Mailgun API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrNoDestination is returned when a message cannot be routed anywhere.
var ErrNoDestination = errors.New("no notification destination")

// Notifier delivers a message to target.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, target, message string) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Close releases n's resources when it holds any.
func Close(n Notifier) error {
	if c, ok := n.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Print writes messages to an io.Writer. It ignores target.
type Print struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrint returns a Print sink. A nil writer means stdout.
func NewPrint(w io.Writer) *Print {
	if w == nil {
		w = os.Stdout
	}
	return &Print{out: w}
}

func (p *Print) Name() string { return "print" }

func (p *Print) Notify(_ context.Context, _ string, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, message); err != nil {
		return fmt.Errorf("print notification: %w", err)
	}
	return nil
}
