package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/server/handlers"
	"github.com/3leaps/opswatch/pkg/engine"
)

// Ticker runs one supervisor pass. *engine.Engine satisfies it.
type Ticker interface {
	Tick(ctx context.Context, opts engine.TickOptions) (*engine.TickResult, error)
}

// Loop runs ticks on an interval. At most one tick runs at a time, whether
// it was started by the interval or by TickNow.
type Loop struct {
	ticker   Ticker
	opts     engine.TickOptions
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	tickMu sync.Mutex

	lastMu sync.RWMutex
	last   *handlers.TickSummary
}

// NewLoop builds a loop. A nil logger discards output.
func NewLoop(t Ticker, interval time.Duration, opts engine.TickOptions, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{ticker: t, opts: opts, interval: interval, logger: logger, now: time.Now}
}

// Run ticks once immediately and then every interval until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	if l.interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", l.interval)
	}
	l.TickNow(ctx)

	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.TickNow(ctx)
		}
	}
}

// TickNow runs a tick, waiting for one in progress to finish first.
func (l *Loop) TickNow(ctx context.Context) handlers.TickSummary {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	start := l.now()
	res, err := l.ticker.Tick(ctx, l.opts)
	summary := handlers.TickSummary{
		StartedAt:  start.UTC(),
		DurationMs: l.now().Sub(start).Milliseconds(),
		ExitCode:   engine.ExitCode(err),
	}
	if res != nil {
		summary.Sections = len(res.Sections)
		summary.Delivered = res.Delivered
		summary.Digest = res.Digest
	}
	if err != nil {
		summary.Error = err.Error()
		l.logger.Warn("tick finished with error", zap.Error(err), zap.Int("exit_code", summary.ExitCode))
	} else {
		l.logger.Debug("tick finished", zap.Int("sections", summary.Sections))
	}

	l.lastMu.Lock()
	l.last = &summary
	l.lastMu.Unlock()
	return summary
}

// Last returns the most recent tick summary.
func (l *Loop) Last() (handlers.TickSummary, bool) {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	if l.last == nil {
		return handlers.TickSummary{}, false
	}
	return *l.last, true
}

// CheckHealth fails when the last tick hit a blocking error.
func (l *Loop) CheckHealth(context.Context) error {
	last, ok := l.Last()
	if ok && last.ExitCode == engine.ExitBlocking {
		return fmt.Errorf("last tick blocked: %s", last.Error)
	}
	return nil
}
