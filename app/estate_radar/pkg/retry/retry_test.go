package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleepPolicy(attempts int, waits *[]time.Duration) Policy {
	p := Default()
	p.MaxAttempts = attempts
	p.Jitter = 0
	p.Sleep = func(_ context.Context, d time.Duration) error {
		if waits != nil {
			*waits = append(*waits, d)
		}
		return nil
	}
	return p
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var waits []time.Duration
	p := noSleepPolicy(3, &waits)

	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	p := noSleepPolicy(2, nil)

	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("still broken")
	})

	assert.EqualError(t, err, "still broken")
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p := noSleepPolicy(5, nil)

	calls := 0
	base := errors.New("bad request")
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return Permanent(base)
	})

	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	p := Default()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, "test", func(context.Context) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_RateLimitAndCap(t *testing.T) {
	p := Default()
	p.Jitter = 0

	assert.Equal(t, 30*time.Second, p.Backoff(10, errors.New("boom")))
	assert.Equal(t, 10*time.Second, p.Backoff(1, errors.New("429 Too Many Requests")))
	assert.Equal(t, 2*time.Second, p.Backoff(0, errors.New("timeout")))
}

func TestDoValue(t *testing.T) {
	p := noSleepPolicy(2, nil)
	calls := 0
	v, err := DoValue(context.Background(), p, "test", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first fails")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("error, status code: 429")))
	assert.True(t, IsRateLimitError(errors.New("RESOURCE_EXHAUSTED: quota")))
	assert.False(t, IsRateLimitError(errors.New("connection reset")))
	assert.False(t, IsRateLimitError(nil))
}
