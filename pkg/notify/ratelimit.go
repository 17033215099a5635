package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited throttles an underlying Notifier. It matters for the serve loop,
// where short intervals could otherwise flood a chat channel.
type Limited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewLimited allows perSecond messages with a burst of one. A non-positive
// rate returns next unchanged.
func NewLimited(next Notifier, perSecond float64) Notifier {
	if perSecond <= 0 {
		return next
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Notify(ctx context.Context, target, message string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify rate limit: %w", err)
	}
	return l.next.Notify(ctx, target, message)
}

// Unwrap returns the throttled sink.
func (l *Limited) Unwrap() Notifier { return l.next }

func (l *Limited) Close() error {
	return Close(l.next)
}
