package ethclient

import (
	"context"
	"fmt"
	"time"

	"github.com/linea-world-id/state-bridge-relayer/utils"
)

// RetryPolicy describes a bounded linear backoff.
type RetryPolicy struct {
	MaxAttempts uint
	Backoff     time.Duration
}

// Delay returns the pause after the given failed attempt, counting from 1.
func (p RetryPolicy) Delay(attempt uint) time.Duration {
	return time.Duration(attempt) * p.Backoff
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

// Retry runs fn until it succeeds, fails with a non-transport error or the
// attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := uint(1); ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsTransportError(err) {
			return err
		}
		if attempt >= policy.attempts() {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if !utils.ContextSleep(ctx, policy.Delay(attempt)) {
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		}
	}
}
