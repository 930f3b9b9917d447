package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryHonorsMaxAttempts(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, time.Millisecond, 10*time.Millisecond)
	boom := errors.New("boom")
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestShouldRetryUnbounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(0, time.Millisecond, time.Millisecond)
	require.True(t, p.ShouldRetry(errors.New("x"), 10_000))
}

func TestShouldRetrySkipsContextErrors(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(0, time.Millisecond, time.Millisecond)
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(0, 10*time.Millisecond, 80*time.Millisecond)
	for attempt := 0; attempt < 64; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
