package network

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Link retry defaults, matching an nRF24 radio configured with
// setRetries(4, 15): 15 retransmits after the first attempt, 1250us apart.
const (
	DefaultRetryAttempts = 16
	DefaultRetryDelay    = 1250 * time.Microsecond
)

var (
	ErrRetriesExhausted = errors.New("link retries exhausted")
	ErrNoAck            = errors.New("frame not acknowledged")
	ErrUnknownAddress   = errors.New("no endpoint for device address")
	ErrNoLocalAddress   = errors.New("local address not set")
	ErrClosed           = errors.New("transport closed")
)

// RetryPolicy bounds link-level retransmission of a single frame.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy returns the radio-equivalent retry budget
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Delay:    DefaultRetryDelay,
	}
}

// Do runs attempt until it succeeds, the attempts are used up or ctx ends.
// Errors no retransmit can fix, such as an unknown address, a closed
// transport or an ended context, are returned immediately.
func (p RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}

		if i == attempts-1 || p.Delay <= 0 {
			continue
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func permanent(err error) bool {
	return errors.Is(err, ErrUnknownAddress) ||
		errors.Is(err, ErrNoLocalAddress) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
