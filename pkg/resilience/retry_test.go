package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryPolicy())

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_AttemptsExactlyMaxRetriesPlusOne(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 3
	policy.InitialDelay = 5 * time.Millisecond
	retrier := NewRetrier(policy)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("test")
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 3
	policy.InitialDelay = 5 * time.Millisecond
	retrier := NewRetrier(policy)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("test")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_StatsAttachedOnExhaustion(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 2
	policy.InitialDelay = 5 * time.Millisecond
	retrier := NewRetrier(policy)

	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		return appErrors.NewTimeoutError("test")
	})

	require.Error(t, err)
	stats, ok := StatsFromError(err)
	require.True(t, ok)
	assert.Equal(t, 3, stats.Attempts)
	assert.Len(t, stats.Delays, 2)
	assert.False(t, stats.Succeeded)
	assert.Contains(t, stats.LastError, "timed out")
	assert.Greater(t, stats.TotalDuration, time.Duration(0))
}

func TestRetrier_NonRetryableErrorSingleAttempt(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 3
	policy.InitialDelay = 50 * time.Millisecond
	retrier := NewRetrier(policy)

	attempts := 0
	started := time.Now()
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewNotFoundError("project")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	// no sleep before propagating
	assert.Less(t, time.Since(started), 40*time.Millisecond)

	stats, ok := StatsFromError(err)
	require.True(t, ok)
	assert.Empty(t, stats.Delays)
}

func TestRetrier_DelaySequenceCappedAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:        6,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          10000 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
		RetryPredicate:    func(error) bool { return true },
	}

	retrier := NewRetrier(policy)
	delays := []time.Duration{}
	for attempt := 0; attempt <= 5; attempt++ {
		delays = append(delays, retrier.calculateDelay(attempt))
	}

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	assert.Equal(t, expected, delays)
}

func TestRetrier_JitterStaysWithinBounds(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.InitialDelay = 1000 * time.Millisecond
	policy.Jitter = true
	retrier := NewRetrier(policy)

	for i := 0; i < 200; i++ {
		delay := retrier.calculateDelay(0)
		assert.GreaterOrEqual(t, delay, 750*time.Millisecond)
		assert.LessOrEqual(t, delay, 1250*time.Millisecond)
	}
}

func TestRetrier_PerAttemptTimeout(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 1
	policy.InitialDelay = 5 * time.Millisecond
	policy.Timeout = 20 * time.Millisecond
	retrier := NewRetrier(policy)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts) // timeouts are retryable
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))
}

func TestRetrier_ContextCancellation(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 5
	policy.InitialDelay = 100 * time.Millisecond
	retrier := NewRetrier(policy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("test")
	})

	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_OnRetryHook(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 3
	policy.InitialDelay = 5 * time.Millisecond

	var hookAttempts []int
	var hookDelays []time.Duration
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		hookAttempts = append(hookAttempts, attempt)
		hookDelays = append(hookDelays, delay)
	}

	retrier := NewRetrier(policy)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("test")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, hookAttempts)
	assert.Len(t, hookDelays, 2)
}

func TestRetrier_CustomPredicate(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 3
	policy.InitialDelay = 5 * time.Millisecond
	policy.RetryPredicate = func(err error) bool {
		return err.Error() == "retryable"
	}
	retrier := NewRetrier(policy)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("retryable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("terminal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_ExecuteWithResult(t *testing.T) {
	retrier := NewRetrier(DefaultRetryPolicy())

	result, err := retrier.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestDefaultPredicateClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"timeout", appErrors.NewTimeoutError("op"), true},
		{"rate limit 429", appErrors.NewRateLimitError("slow down"), true},
		{"http 500", appErrors.NewExternalError("ai", "boom").WithHTTPStatus(500), true},
		{"http 503", appErrors.NewExternalError("ai", "unavailable").WithHTTPStatus(503), true},
		{"http 400", appErrors.NewValidationError("bad payload").WithHTTPStatus(400), false},
		{"http 404", appErrors.NewNotFoundError("offer"), false},
		{"conn reset", errors.New("read tcp: ECONNRESET"), true},
		{"dns failure", errors.New("dial: ENOTFOUND"), true},
		{"breaker rejection", appErrors.NewBreakerRejectedError("ai-service", "open"), false},
		{"resource rejection", appErrors.NewResourceRejectedError("throttling active"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, appErrors.IsTransient(tt.err))
		})
	}
}
