package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestibat/gestibat/pkg/config"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/resilience"
)

func testGovernorConfig() config.GovernorConfig {
	return config.GovernorConfig{
		MaxCPUUsage:           90,
		MaxMemoryUsage:        90,
		MaxConcurrentPreloads: 5,
		MaxBackgroundTasks:    10,
		ThrottleThreshold:     75,
		SamplingInterval:      10 * time.Second,
		CPUWeight:             0.30,
		MemoryWeight:          0.30,
		LatencyWeight:         0.25,
		ErrorWeight:           0.15,
	}
}

func newTestGovernor() (*Governor, *resilience.BreakerRegistry) {
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	return New(testGovernorConfig(), breakers, nil), breakers
}

func sample(cpu, mem float64, rt time.Duration) MetricsSample {
	return MetricsSample{
		CPUUsage:     cpu,
		MemoryUsage:  mem,
		ResponseTime: rt,
		MeasuredAt:   time.Now(),
	}
}

func TestGovernor_ThrottlingActivationScenario(t *testing.T) {
	g, _ := newTestGovernor()

	// sustained pressure activates throttling and tightens the configuration
	g.runCycle(sample(85, 60, 1200*time.Millisecond))
	require.True(t, g.IsThrottling())

	tightened := g.AdaptiveConfiguration()
	assert.InDelta(t, 48, tightened.PreloadingAggressiveness, 0.001) // 80 × 0.6
	assert.InDelta(t, 80, tightened.PredictionConfidenceThreshold, 0.001)
	assert.Equal(t, 45*time.Minute, tightened.BackgroundTaskFrequency)

	// still loaded: no deactivation yet
	g.runCycle(sample(85, 60, 1200*time.Millisecond))
	require.True(t, g.IsThrottling())

	// two stable cycles recover, restoring aggressiveness upward but never above 100
	g.runCycle(sample(40, 40, 300*time.Millisecond))
	require.False(t, g.IsThrottling())
	g.runCycle(sample(40, 40, 300*time.Millisecond))

	restored := g.AdaptiveConfiguration()
	assert.InDelta(t, 57.6, restored.PreloadingAggressiveness, 0.001) // 48 × 1.2
	assert.LessOrEqual(t, restored.PreloadingAggressiveness, float64(100))
}

func TestGovernor_ThresholdBoundaryDoesNotFlap(t *testing.T) {
	g, _ := newTestGovernor()

	// exactly at the threshold: strictly-greater comparison must not activate
	g.runCycle(sample(75, 50, 200*time.Millisecond))
	assert.False(t, g.IsThrottling())

	// just above activates
	g.runCycle(sample(75.1, 50, 200*time.Millisecond))
	require.True(t, g.IsThrottling())

	// exactly at the recovery boundary (0.8 × 75 = 60) must not deactivate
	g.runCycle(sample(60, 50, 200*time.Millisecond))
	assert.True(t, g.IsThrottling())

	// just below deactivates
	g.runCycle(sample(59.9, 50, 200*time.Millisecond))
	assert.False(t, g.IsThrottling())
}

func TestGovernor_ResponseTimeAloneActivatesThrottling(t *testing.T) {
	g, _ := newTestGovernor()

	g.runCycle(sample(30, 30, 1500*time.Millisecond))
	assert.True(t, g.IsThrottling())

	// response time must drop below 500ms for recovery
	g.runCycle(sample(30, 30, 700*time.Millisecond))
	assert.True(t, g.IsThrottling())

	g.runCycle(sample(30, 30, 300*time.Millisecond))
	assert.False(t, g.IsThrottling())
}

func TestGovernor_AdaptationScoreTightensConfiguration(t *testing.T) {
	g, _ := newTestGovernor()

	// heavy but below the emergency limits, so only the feedback loop acts
	s := sample(89, 89, 1900*time.Millisecond)
	s.ErrorRate = 9
	score := g.adaptationScore(s)
	require.Greater(t, score, 0.7)

	before := g.AdaptiveConfiguration()
	g.runCycle(s)
	after := g.AdaptiveConfiguration()

	assert.Less(t, after.PreloadingAggressiveness, before.PreloadingAggressiveness)
	assert.Greater(t, after.PredictionConfidenceThreshold, before.PredictionConfidenceThreshold)
	assert.Greater(t, after.BackgroundTaskFrequency, before.BackgroundTaskFrequency)

	// adjustments stay bounded: at most 50% movement per cycle
	assert.GreaterOrEqual(t, after.PreloadingAggressiveness, before.PreloadingAggressiveness*0.5*0.6)
	assert.LessOrEqual(t, after.PredictionConfidenceThreshold, float64(maxConfidence))
}

func TestGovernor_LowScoreLeavesConfigurationAlone(t *testing.T) {
	g, _ := newTestGovernor()

	before := g.AdaptiveConfiguration()
	g.runCycle(sample(30, 30, 100*time.Millisecond))
	after := g.AdaptiveConfiguration()

	assert.Equal(t, before, after)
}

func TestGovernor_EmergencyOverload(t *testing.T) {
	g, breakers := newTestGovernor()

	g.runCycle(sample(95, 50, 200*time.Millisecond))

	cfg := g.AdaptiveConfiguration()
	assert.Equal(t, float64(0), cfg.PreloadingAggressiveness)

	report := g.GetSafetyReport()
	assert.True(t, report.EmergencyActive)
	assert.Equal(t, 2, report.EffectivePreloadCap)

	for _, status := range breakers.Snapshot() {
		assert.Equal(t, resilience.StateOpen, status.State, "breaker %s", status.Name)
	}

	// recovery restores the preload cap and lifts aggressiveness off zero
	g.runCycle(sample(40, 40, 200*time.Millisecond))
	report = g.GetSafetyReport()
	assert.False(t, report.EmergencyActive)
	assert.Equal(t, 5, report.EffectivePreloadCap)
	assert.GreaterOrEqual(t, g.AdaptiveConfiguration().PreloadingAggressiveness, float64(minAggressiveness))
}

func TestGovernor_PreloadAdmission(t *testing.T) {
	g, _ := newTestGovernor()

	require.True(t, g.CanExecutePreloading(PriorityNormal).Allowed)

	// concurrency limit
	for i := 0; i < 5; i++ {
		g.RegisterOperationStart(KindPreload, "p")
	}
	admission := g.CanExecutePreloading(PriorityHigh)
	assert.False(t, admission.Allowed)
	assert.Contains(t, admission.Reason, "limit")
	for i := 0; i < 5; i++ {
		g.RegisterOperationEnd(KindPreload, "p", 10*time.Millisecond, nil)
	}

	// low priority rejected during throttling, normal allowed
	g.runCycle(sample(85, 60, 1200*time.Millisecond))
	require.True(t, g.IsThrottling())
	assert.False(t, g.CanExecutePreloading(PriorityLow).Allowed)
	assert.True(t, g.CanExecutePreloading(PriorityNormal).Allowed)

	// CPU above the hard max rejects everything but high priority
	g.runCycle(sample(95, 60, 1200*time.Millisecond))
	assert.False(t, g.CanExecutePreloading(PriorityNormal).Allowed)
}

func TestGovernor_PreloadAdmissionRejectedByBreaker(t *testing.T) {
	g, breakers := newTestGovernor()

	breakers.ForceOpen(resilience.DepPreloader, 10*time.Minute)

	admission := g.CanExecutePreloading(PriorityHigh)
	assert.False(t, admission.Allowed)
	assert.Contains(t, admission.Reason, "open")
}

func TestGovernor_BackgroundTaskAdmission(t *testing.T) {
	g, _ := newTestGovernor()

	require.True(t, g.CanExecuteBackgroundTask("report_generation").Allowed)

	// throttling suspends non-critical task types only
	g.runCycle(sample(85, 60, 1200*time.Millisecond))
	assert.False(t, g.CanExecuteBackgroundTask("report_generation").Allowed)
	assert.True(t, g.CanExecuteBackgroundTask("detection").Allowed)

	// concurrency limit applies to everything
	for i := 0; i < 10; i++ {
		g.RegisterOperationStart(KindBackgroundTask, "t")
	}
	assert.False(t, g.CanExecuteBackgroundTask("detection").Allowed)
}

func TestGovernor_OperationTrackingFeedsBreaker(t *testing.T) {
	g, breakers := newTestGovernor()

	for i := 0; i < 5; i++ {
		g.RegisterOperationStart(KindPreload, "p")
		g.RegisterOperationEnd(KindPreload, "p", 20*time.Millisecond, appErrors.NewTimeoutError("preload"))
	}

	assert.Equal(t, resilience.StateOpen, breakers.State(resilience.DepPreloader))
}

func TestGovernor_WindowFeedsErrorRateAndLatency(t *testing.T) {
	g, _ := newTestGovernor()

	g.RegisterOperationStart(KindBackgroundTask, "a")
	g.RegisterOperationEnd(KindBackgroundTask, "a", 400*time.Millisecond, nil)
	g.RegisterOperationStart(KindBackgroundTask, "b")
	g.RegisterOperationEnd(KindBackgroundTask, "b", 200*time.Millisecond, appErrors.NewTimeoutError("task"))

	s := g.collectSample()
	assert.Equal(t, 300*time.Millisecond, s.ResponseTime)
	assert.InDelta(t, 50, s.ErrorRate, 0.001)

	// window resets after collection
	s = g.collectSample()
	assert.Equal(t, time.Duration(0), s.ResponseTime)
	assert.Equal(t, float64(0), s.ErrorRate)
}
