// Package resilience provides the retry and circuit-breaker primitives used
// around every external dependency call in the system.
//
// # Retry with Exponential Backoff
//
// The retrier executes an operation up to MaxRetries+1 times with exponential
// backoff, ±25% jitter, and an optional per-attempt timeout. The final error
// carries the accumulated RetryStats.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryPolicy())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Circuit Breaker Registry
//
// The registry holds one breaker per named external dependency. Callers check
// admission before attempting a protected operation and record the outcome
// afterwards; the open-to-half-open transition happens lazily on the next
// admission check after the cool-down elapses.
//
//	registry := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
//	if adm := registry.CheckAdmission(resilience.DepDetectionService); !adm.Allowed {
//		return errors.NewBreakerRejectedError(resilience.DepDetectionService, adm.Reason)
//	}
//	err := call(ctx)
//	if err != nil {
//		registry.RecordFailure(resilience.DepDetectionService, err)
//	} else {
//		registry.RecordSuccess(resilience.DepDetectionService)
//	}
//
// Or combined via Do:
//
//	err := registry.Do(ctx, resilience.DepAIService, callAI)
//
// Breaker rejections are descriptive errors, never retried by the same call,
// and never panic. The package is safe for concurrent use.
package resilience
