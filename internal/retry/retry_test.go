package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep returns a Sleep func that records requested delays.
func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	p := Fixed(3, 5*time.Second)
	p.Sleep = recordingSleep(&delays)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestDo_Exhausted(t *testing.T) {
	var delays []time.Duration
	p := Fixed(3, time.Second)
	p.Sleep = recordingSleep(&delays)

	boom := errors.New("boom")
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	p := Fixed(5, time.Second)
	p.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("should not sleep")
		return nil
	}
	p.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Fixed(3, time.Hour).Do(ctx, func(context.Context) error {
		calls++
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelay(t *testing.T) {
	p := Policy{Delay: 50 * time.Millisecond, Exponential: true, MaxDelay: 500 * time.Millisecond}

	assert.Equal(t, 50*time.Millisecond, p.delay(0))
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, 500*time.Millisecond, p.delay(4))

	p.Jitter = true
	for i := 0; i < 10; i++ {
		d := p.delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}
