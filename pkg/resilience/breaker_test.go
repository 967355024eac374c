package resilience

import (
	"context"
	"testing"
	"time"

	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*BreakerRegistry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	registry := NewBreakerRegistry(DefaultBreakerConfig())
	registry.now = func() time.Time { return now }
	return registry, &now
}

func TestBreaker_OpensOnExactlyFifthConsecutiveFailure(t *testing.T) {
	registry, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("call"))
		assert.Equal(t, StateClosed, registry.State(DepDetectionService), "still closed after failure %d", i+1)
	}

	registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("call"))
	assert.Equal(t, StateOpen, registry.State(DepDetectionService))
}

func TestBreaker_InterleavedSuccessDelaysThreshold(t *testing.T) {
	registry, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		registry.RecordFailure(DepAIService, appErrors.NewTimeoutError("call"))
	}
	registry.RecordSuccess(DepAIService) // count back down to 3

	registry.RecordFailure(DepAIService, appErrors.NewTimeoutError("call"))
	assert.Equal(t, StateClosed, registry.State(DepAIService), "success must delay the threshold")

	registry.RecordFailure(DepAIService, appErrors.NewTimeoutError("call"))
	assert.Equal(t, StateOpen, registry.State(DepAIService))
}

func TestBreaker_SuccessNeverDropsCountBelowZero(t *testing.T) {
	registry, _ := newTestRegistry(t)

	registry.RecordSuccess(DepOCRService)
	registry.RecordSuccess(DepOCRService)

	snapshot := registry.Snapshot()
	for _, status := range snapshot {
		if status.Name == DepOCRService {
			assert.Equal(t, 0, status.FailureCount)
		}
	}
}

func TestBreaker_OpenRejectsUntilCooldownThenHalfOpen(t *testing.T) {
	registry, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("call"))
	}
	require.Equal(t, StateOpen, registry.State(DepDetectionService))

	admission := registry.CheckAdmission(DepDetectionService)
	assert.False(t, admission.Allowed)
	assert.Contains(t, admission.Reason, "open")

	// one nanosecond before the deadline still rejects
	*now = now.Add(5*time.Minute - time.Nanosecond)
	admission = registry.CheckAdmission(DepDetectionService)
	assert.False(t, admission.Allowed)

	// at the deadline the check passes and flips the state to half-open
	*now = now.Add(time.Nanosecond)
	admission = registry.CheckAdmission(DepDetectionService)
	assert.True(t, admission.Allowed)
	assert.Equal(t, StateHalfOpen, registry.State(DepDetectionService))
}

func TestBreaker_HalfOpenSuccessesCloseAtZero(t *testing.T) {
	registry, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("call"))
	}
	*now = now.Add(6 * time.Minute)
	require.True(t, registry.CheckAdmission(DepDetectionService).Allowed)
	require.Equal(t, StateHalfOpen, registry.State(DepDetectionService))

	for i := 0; i < 4; i++ {
		registry.RecordSuccess(DepDetectionService)
		assert.Equal(t, StateHalfOpen, registry.State(DepDetectionService))
	}

	registry.RecordSuccess(DepDetectionService)
	assert.Equal(t, StateClosed, registry.State(DepDetectionService))

	for _, status := range registry.Snapshot() {
		if status.Name == DepDetectionService {
			assert.Equal(t, 0, status.FailureCount)
			assert.True(t, status.NextAttemptTime.IsZero())
		}
	}
}

func TestBreaker_HalfOpenFailureReopensWithFreshCooldown(t *testing.T) {
	registry, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("call"))
	}
	firstDeadline := now.Add(5 * time.Minute)

	*now = now.Add(6 * time.Minute)
	require.True(t, registry.CheckAdmission(DepDetectionService).Allowed)

	registry.RecordFailure(DepDetectionService, appErrors.NewTimeoutError("probe"))
	assert.Equal(t, StateOpen, registry.State(DepDetectionService))

	for _, status := range registry.Snapshot() {
		if status.Name == DepDetectionService {
			assert.True(t, status.NextAttemptTime.After(firstDeadline))
		}
	}
}

func TestBreaker_ForceOpenAllClampsCooldown(t *testing.T) {
	registry, now := newTestRegistry(t)

	registry.ForceOpenAll(10 * time.Minute)

	for _, status := range registry.Snapshot() {
		assert.Equal(t, StateOpen, status.State, "breaker %s", status.Name)
		assert.Equal(t, now.Add(10*time.Minute), status.NextAttemptTime)
	}

	// below the minimum is clamped up
	registry2, now2 := newTestRegistry(t)
	registry2.ForceOpen(DepPreloader, time.Minute)
	for _, status := range registry2.Snapshot() {
		if status.Name == DepPreloader {
			assert.Equal(t, now2.Add(5*time.Minute), status.NextAttemptTime)
		}
	}
}

func TestBreaker_DoRecordsOutcome(t *testing.T) {
	registry, _ := newTestRegistry(t)

	err := registry.Do(context.Background(), DepNotifications, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = registry.Do(context.Background(), DepNotifications, func(ctx context.Context) error {
			return appErrors.NewExternalError("notifications", "down")
		})
	}

	err = registry.Do(context.Background(), DepNotifications, func(ctx context.Context) error {
		t.Fatal("operation must not run while the breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeBreakerRejected))
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	config := DefaultBreakerConfig()
	var transitions []string
	config.OnStateChange = func(name string, from, to BreakerState) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}

	registry := NewBreakerRegistry(config)
	registry.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	for i := 0; i < 5; i++ {
		registry.RecordFailure(DepAIService, appErrors.NewTimeoutError("call"))
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "ai-service:CLOSED->OPEN", transitions[0])
}
