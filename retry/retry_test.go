package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested delays without actually sleeping.
func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	calls := 0

	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, WithSleep(recordingSleep(&delays)))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_BackoffSchedule(t *testing.T) {
	var delays []time.Duration
	calls := 0
	failTwice := func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	}

	err := Do(context.Background(), failTwice, WithSleep(recordingSleep(&delays)))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
}

func TestDo_CapsDelay(t *testing.T) {
	var delays []time.Duration
	alwaysFails := func(context.Context) error {
		return errors.New("transient")
	}

	err := Do(context.Background(), alwaysFails,
		WithMaxAttempts(7),
		WithSleep(recordingSleep(&delays)))

	require.Error(t, err)
	require.Len(t, delays, 6)
	// 1s, 2s, 4s, 8s then capped at 10s.
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
	assert.Equal(t, 8*time.Second, delays[3])
	assert.Equal(t, 10*time.Second, delays[4])
	assert.Equal(t, 10*time.Second, delays[5])
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	var delays []time.Duration
	sentinel := errors.New("still broken")
	calls := 0

	err := Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	}, WithSleep(recordingSleep(&delays)))

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	err := Do(ctx, func(context.Context) error {
		return errors.New("transient")
	}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	assert.ErrorIs(t, err, context.Canceled)
}
