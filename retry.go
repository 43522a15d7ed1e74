package swmc

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task, retrying it with Fibonacci backoff up to maxRetries times after
// the first attempt while ShouldRetry reports its error as transient. If the task still
// fails (retries exhausted, or an error ShouldRetry treats as permanent), gaveUpTask is
// invoked (when not nil) and the final error is returned. Used by the direct-I/O fabric
// backing for transient read/write errors.
func Retry(ctx context.Context, maxRetries uint64, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Millisecond)
	if err := retry.Do(ctx, retry.WithMaxRetries(maxRetries, b), func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}); err != nil {
		log.Warn("swmc: retry exhausted, giving up", "error", err)
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether err looks transient and worth retrying, as opposed to a
// permanent failure (context cancellation or deadline, an InvalidMessage, or an
// InvariantViolation). Every other error, Nacked included, counts as transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Code(err) {
	case InvalidMessage, InvariantViolation:
		return false
	}
	return true
}
