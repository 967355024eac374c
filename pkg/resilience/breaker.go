package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/logging"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// StateClosed - requests are allowed
	StateClosed BreakerState = iota
	// StateOpen - requests are rejected until the cool-down elapses
	StateOpen
	// StateHalfOpen - probing requests are allowed
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Known dependency names. The registry accepts dynamic names too, but using
// these constants avoids typos silently creating unmonitored breakers.
const (
	DepDetectionService = "detection-service"
	DepAIService        = "ai-service"
	DepOCRService       = "ocr-service"
	DepNotifications    = "notifications"
	DepPreloader        = "preloader"
)

// KnownDependencies returns the closed set of dependency names registered at
// startup.
func KnownDependencies() []string {
	return []string{
		DepDetectionService,
		DepAIService,
		DepOCRService,
		DepNotifications,
		DepPreloader,
	}
}

// Admission is the verdict of a pre-flight check
type Admission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// BreakerConfig holds per-breaker defaults
type BreakerConfig struct {
	// FailureThreshold is the consecutive net failure count that opens the breaker
	FailureThreshold int
	// Cooldown is the open-state duration before a probe is allowed
	Cooldown time.Duration
	// MinCooldown/MaxCooldown clamp severity-driven cooldown overrides
	MinCooldown time.Duration
	MaxCooldown time.Duration
	// OnStateChange is called whenever a breaker changes state
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		MinCooldown:      5 * time.Minute,
		MaxCooldown:      60 * time.Minute,
	}
}

// BreakerStatus is a read-only snapshot of one breaker
type BreakerStatus struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	StateLabel      string       `json:"state_label"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time    `json:"next_attempt_time,omitempty"`
}

// breaker is the per-dependency state machine. Invariant: state == open
// implies nextAttemptTime is set; failureCount never goes negative.
type breaker struct {
	state            BreakerState
	failureCount     int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	failureThreshold int
	cooldown         time.Duration
}

// BreakerRegistry holds one circuit breaker per named external dependency.
// Breakers live for the process lifetime and are mutated only through
// success/failure recording and admission checks.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	logger   *logging.Logger

	now func() time.Time // overridable in tests
}

// NewBreakerRegistry creates a registry pre-populated with the known
// dependency names.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.MinCooldown <= 0 {
		config.MinCooldown = 5 * time.Minute
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 60 * time.Minute
	}

	r := &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		logger:   logging.GetLogger(),
		now:      time.Now,
	}

	for _, name := range KnownDependencies() {
		r.breakers[name] = r.newBreaker()
	}

	return r
}

func (r *BreakerRegistry) newBreaker() *breaker {
	return &breaker{
		state:            StateClosed,
		failureThreshold: r.config.FailureThreshold,
		cooldown:         r.config.Cooldown,
	}
}

// getOrCreate must be called with the mutex held
func (r *BreakerRegistry) getOrCreate(name string) *breaker {
	b, ok := r.breakers[name]
	if !ok {
		r.logger.Warn("Creating circuit breaker for unregistered dependency name",
			"dependency", name,
		)
		b = r.newBreaker()
		r.breakers[name] = b
	}
	return b
}

// CheckAdmission reports whether an operation against the named dependency
// may be attempted. The open-to-half-open transition happens lazily here when
// the cool-down has elapsed; there is no half-open concurrency limiter, so
// concurrent callers may over-probe.
func (r *BreakerRegistry) CheckAdmission(name string) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getOrCreate(name)

	if b.state == StateOpen {
		now := r.now()
		if now.Before(b.nextAttemptTime) {
			return Admission{
				Allowed: false,
				Reason: fmt.Sprintf("circuit breaker '%s' is open, next attempt at %s",
					name, b.nextAttemptTime.Format(time.RFC3339)),
			}
		}
		r.setState(name, b, StateHalfOpen)
	}

	return Admission{Allowed: true}
}

// RecordSuccess records a successful call. In the closed state the failure
// count decrements toward zero; in the half-open state reaching zero closes
// the breaker and clears its bookkeeping.
func (r *BreakerRegistry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getOrCreate(name)

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		if b.failureCount > 0 {
			b.failureCount--
		}
		if b.failureCount == 0 {
			b.lastFailureTime = time.Time{}
			b.nextAttemptTime = time.Time{}
			r.setState(name, b, StateClosed)
		}
	}
}

// RecordFailure records a failed call. Reaching the failure threshold in the
// closed state opens the breaker; any failure in the half-open state re-opens
// it with a refreshed cool-down.
func (r *BreakerRegistry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getOrCreate(name)
	now := r.now()
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.nextAttemptTime = now.Add(b.cooldown)
			r.setState(name, b, StateOpen)
			r.logger.Warn("Circuit breaker opened",
				"dependency", name,
				"failure_count", b.failureCount,
				"next_attempt", b.nextAttemptTime,
				"error", errString(err),
			)
		}
	case StateHalfOpen:
		b.failureCount++
		b.nextAttemptTime = now.Add(b.cooldown)
		r.setState(name, b, StateOpen)
		r.logger.Warn("Circuit breaker re-opened from half-open probe",
			"dependency", name,
			"next_attempt", b.nextAttemptTime,
			"error", errString(err),
		)
	case StateOpen:
		b.failureCount++
	}
}

// ForceOpen opens the breaker immediately with the given cool-down, clamped
// to the configured bounds. Used by the governor's emergency overload path.
func (r *BreakerRegistry) ForceOpen(name string, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceOpenLocked(name, cooldown)
}

// ForceOpenAll opens every registered breaker with the given cool-down
func (r *BreakerRegistry) ForceOpenAll(cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.breakers {
		r.forceOpenLocked(name, cooldown)
	}
}

func (r *BreakerRegistry) forceOpenLocked(name string, cooldown time.Duration) {
	if cooldown < r.config.MinCooldown {
		cooldown = r.config.MinCooldown
	}
	if cooldown > r.config.MaxCooldown {
		cooldown = r.config.MaxCooldown
	}

	b := r.getOrCreate(name)
	b.nextAttemptTime = r.now().Add(cooldown)
	if b.failureCount < b.failureThreshold {
		b.failureCount = b.failureThreshold
	}
	r.setState(name, b, StateOpen)
}

// State returns the current state of a breaker without side effects
func (r *BreakerRegistry) State(name string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(name).state
}

// Snapshot returns a read-only view of every breaker for the safety report
func (r *BreakerRegistry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]BreakerStatus, 0, len(r.breakers))
	for name, b := range r.breakers {
		statuses = append(statuses, BreakerStatus{
			Name:            name,
			State:           b.state,
			StateLabel:      b.state.String(),
			FailureCount:    b.failureCount,
			LastFailureTime: b.lastFailureTime,
			NextAttemptTime: b.nextAttemptTime,
		})
	}
	return statuses
}

// Do wraps an operation with the full admission/record cycle for the named
// dependency.
func (r *BreakerRegistry) Do(ctx context.Context, name string, operation func(context.Context) error) error {
	if admission := r.CheckAdmission(name); !admission.Allowed {
		return errors.NewBreakerRejectedError(name, admission.Reason)
	}

	err := operation(ctx)
	if err != nil {
		r.RecordFailure(name, err)
		return err
	}

	r.RecordSuccess(name)
	return nil
}

// setState must be called with the mutex held
func (r *BreakerRegistry) setState(name string, b *breaker, state BreakerState) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if r.config.OnStateChange != nil {
		r.config.OnStateChange(name, prev, state)
	}

	r.logger.Info("Circuit breaker state changed",
		"dependency", name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", b.failureCount,
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
