package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/logging"
)

// RetryPolicy holds configuration for one retried call. It is immutable for
// the duration of the call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt,
	// so MaxRetries+1 attempts are made in total
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter perturbs each delay by ±25% to avoid synchronized retry storms
	Jitter bool
	// Timeout bounds each individual attempt; zero disables the per-attempt race
	Timeout time.Duration
	// RetryPredicate decides whether an error is worth retrying
	RetryPredicate func(error) bool
	// OnRetry is invoked before sleeping, once per scheduled retry
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the default policy: 3 retries, 1s initial delay,
// 10s cap, doubling backoff with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryPredicate:    errors.IsTransient,
	}
}

// RetryStats records what happened during one Execute call. It is attached to
// the final error for observability and discarded with the call.
type RetryStats struct {
	Attempts      int             `json:"attempts"`
	TotalDuration time.Duration   `json:"total_duration"`
	Delays        []time.Duration `json:"delays"`
	LastError     string          `json:"last_error"`
	Succeeded     bool            `json:"succeeded"`
}

// RetryError wraps the last observed error together with the retry statistics.
type RetryError struct {
	Stats RetryStats
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Stats.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retrier executes operations under a RetryPolicy
type Retrier struct {
	policy RetryPolicy
	logger *logging.Logger
}

// NewRetrier creates a new retrier, filling in unset policy fields with the
// defaults.
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	if policy.RetryPredicate == nil {
		policy.RetryPredicate = errors.IsTransient
	}

	return &Retrier{
		policy: policy,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation under the retry policy. Attempts are numbered
// 0..MaxRetries inclusive. A failure on the last attempt, or one the predicate
// rejects, is returned immediately wrapped in a RetryError carrying the stats.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	stats := RetryStats{}
	started := time.Now()

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			stats.TotalDuration = time.Since(started)
			return ctx.Err()
		}

		stats.Attempts++
		err := r.runAttempt(ctx, operation)
		if err == nil {
			stats.Succeeded = true
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt+1,
					"max_retries", r.policy.MaxRetries,
				)
			}
			return nil
		}

		stats.LastError = err.Error()

		if attempt == r.policy.MaxRetries || !r.policy.RetryPredicate(err) {
			stats.TotalDuration = time.Since(started)
			if attempt < r.policy.MaxRetries {
				r.logger.Debug("Error is not retryable, stopping",
					"error", err.Error(),
					"attempt", attempt+1,
				)
			} else {
				r.logger.Error("Operation failed after all retry attempts",
					"error", err.Error(),
					"attempts", stats.Attempts,
				)
			}
			return &RetryError{Stats: stats, Err: err}
		}

		delay := r.calculateDelay(attempt)
		stats.Delays = append(stats.Delays, delay)

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt+1,
			"delay", delay,
		)

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			stats.TotalDuration = time.Since(started)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	// Unreachable: the loop always returns
	stats.TotalDuration = time.Since(started)
	return &RetryError{Stats: stats, Err: fmt.Errorf("retry loop exhausted")}
}

// ExecuteWithResult executes the given function with retry logic and returns a result
func (r *Retrier) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

// runAttempt races the operation against the per-attempt timeout when one is
// configured.
func (r *Retrier) runAttempt(ctx context.Context, operation func(context.Context) error) error {
	if r.policy.Timeout <= 0 {
		return operation(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- operation(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.NewTimeoutError("operation").WithCause(attemptCtx.Err())
		}
		return attemptCtx.Err()
	}
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffMultiplier, float64(attempt))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		// ±25% uniform perturbation, floored at zero
		delay *= 1 + (rand.Float64()*0.5 - 0.25)
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// WithRetry is a convenience function to execute an operation under a policy
func WithRetry(ctx context.Context, policy RetryPolicy, operation func(context.Context) error) error {
	return NewRetrier(policy).Execute(ctx, operation)
}

// Retry executes an operation under the default policy
func Retry(ctx context.Context, operation func(context.Context) error) error {
	return WithRetry(ctx, DefaultRetryPolicy(), operation)
}

// StatsFromError extracts the retry statistics attached to an error, if any
func StatsFromError(err error) (RetryStats, bool) {
	var retryErr *RetryError
	if stderrors.As(err, &retryErr) {
		return retryErr.Stats, true
	}
	return RetryStats{}, false
}
