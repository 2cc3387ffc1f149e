package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 16, p.Attempts)
	assert.Equal(t, 1250*time.Microsecond, p.Delay)
}

func TestRetryPolicyDo(t *testing.T) {
	errFlaky := errors.New("flaky")

	tests := []struct {
		name      string
		policy    RetryPolicy
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "first attempt succeeds",
			policy:    RetryPolicy{Attempts: 3},
			wantCalls: 1,
		},
		{
			name:      "succeeds on last attempt",
			policy:    RetryPolicy{Attempts: 3},
			failures:  2,
			err:       errFlaky,
			wantCalls: 3,
		},
		{
			name:      "exhausted",
			policy:    RetryPolicy{Attempts: 3, Delay: time.Microsecond},
			failures:  10,
			err:       errFlaky,
			wantCalls: 3,
			wantErr:   ErrRetriesExhausted,
		},
		{
			name:      "zero attempts still tries once",
			policy:    RetryPolicy{},
			failures:  10,
			err:       ErrNoAck,
			wantCalls: 1,
			wantErr:   ErrRetriesExhausted,
		},
		{
			name:      "unknown address is not retried",
			policy:    RetryPolicy{Attempts: 5},
			failures:  10,
			err:       ErrUnknownAddress,
			wantCalls: 1,
			wantErr:   ErrUnknownAddress,
		},
		{
			name:      "closed transport is not retried",
			policy:    RetryPolicy{Attempts: 5},
			failures:  10,
			err:       ErrClosed,
			wantCalls: 1,
			wantErr:   ErrClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			if errors.Is(tt.wantErr, ErrRetriesExhausted) {
				assert.ErrorIs(t, err, tt.err, "last attempt error is kept")
			}
		})
	}
}

func TestRetryPolicyDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := RetryPolicy{Attempts: 100, Delay: time.Millisecond}.Do(ctx, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ErrNoAck
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicyDoCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := DefaultRetryPolicy().Do(ctx, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
