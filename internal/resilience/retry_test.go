package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	val, attempts, err := Do(context.Background(), fastRetry(), func(_ context.Context, _ int) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var retried []int
	cfg := fastRetry()
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	val, attempts, err := Do(context.Background(), cfg, func(_ context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, NewTransientError(errors.New("unavailable"), 503)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	_, attempts, err := Do(context.Background(), fastRetry(), func(_ context.Context, _ int) (int, error) {
		return 0, NewTransientError(errors.New("always"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, IsTransient(err))
}

func TestDo_NeverRetriesTerminalErrors(t *testing.T) {
	terminal := []error{
		&AuthError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")},
		NewConfigError("bad request"),
		&RateLimitExceeded{Key: "c@v1", QueueDepth: 1},
		ErrCanceled,
		ErrCircuitOpen,
	}
	for _, want := range terminal {
		_, attempts, err := Do(context.Background(), fastRetry(), func(_ context.Context, _ int) (int, error) {
			return 0, want
		})
		assert.ErrorIs(t, err, want)
		assert.Equal(t, 1, attempts, want.Error())
	}
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	done := make(chan int)
	go func() {
		_, attempts, _ := Do(ctx, cfg, func(_ context.Context, _ int) (int, error) {
			return 0, NewTransientError(errors.New("x"), 503)
		})
		done <- attempts
	}()

	cancel()
	select {
	case attempts := <-done:
		assert.Equal(t, 1, attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not stop on cancel")
	}
}

func TestComputeBackoff_CappedAndNonNegative(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, JitterFraction: 0.5})
	for retry := 0; retry < 6; retry++ {
		d := computeBackoff(retry, cfg)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 450*time.Millisecond)
	}

	noJitter := applyDefaults(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, noJitter))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, noJitter))
}

func TestFromRetryConfig_KeepsDefaultsForZero(t *testing.T) {
	cfg := FromRetryConfig(0, 0, 0)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, cfg.MaxAttempts)

	cfg = FromRetryConfig(5, 10, 20)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 20*time.Millisecond, cfg.MaxBackoff)
}
