package governor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gestibat/gestibat/pkg/config"
	"github.com/gestibat/gestibat/pkg/logging"
	"github.com/gestibat/gestibat/pkg/metrics"
	"github.com/gestibat/gestibat/pkg/resilience"
)

// Priority grades preload admission requests
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// OperationKind distinguishes tracked operations
type OperationKind string

const (
	KindPreload        OperationKind = "preload"
	KindBackgroundTask OperationKind = "background_task"
)

// emergencyCooldown is applied to every breaker during overload handling
const emergencyCooldown = 10 * time.Minute

// MetricsSample is the synthetic system load snapshot recomputed on every
// sampling cycle. Exactly one current sample is retained.
type MetricsSample struct {
	CPUUsage          float64       `json:"cpu_usage"`
	MemoryUsage       float64       `json:"memory_usage"`
	ActiveConnections int           `json:"active_connections"`
	ResponseTime      time.Duration `json:"response_time"`
	ErrorRate         float64       `json:"error_rate"`
	MeasuredAt        time.Time     `json:"measured_at"`
}

// AdaptiveConfig is the mutable tuning state adjusted by the feedback loop
type AdaptiveConfig struct {
	PredictionConfidenceThreshold float64       `json:"prediction_confidence_threshold"`
	PreloadingAggressiveness      float64       `json:"preloading_aggressiveness"`
	BackgroundTaskFrequency       time.Duration `json:"background_task_frequency"`
	CacheEvictionRate             float64       `json:"cache_eviction_rate"`
	PatternDetectionSensitivity   float64       `json:"pattern_detection_sensitivity"`
}

// DefaultAdaptiveConfig returns the starting point of the feedback loop
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		PredictionConfidenceThreshold: 70,
		PreloadingAggressiveness:      80,
		BackgroundTaskFrequency:       30 * time.Minute,
		CacheEvictionRate:             0.10,
		PatternDetectionSensitivity:   0.5,
	}
}

// Tuning bounds for the adaptive configuration. Aggressiveness may only drop
// below its floor through the emergency path.
const (
	minAggressiveness = 20
	maxAggressiveness = 100
	minConfidence     = 50
	maxConfidence     = 95
	minFrequency      = 5 * time.Minute
	maxFrequency      = 120 * time.Minute
)

// SafetyReport is the operator-facing snapshot of the governor's state
type SafetyReport struct {
	Sample                MetricsSample              `json:"sample"`
	ThrottlingActive      bool                       `json:"throttling_active"`
	EmergencyActive       bool                       `json:"emergency_active"`
	Adaptive              AdaptiveConfig             `json:"adaptive"`
	ActivePreloads        int                        `json:"active_preloads"`
	ActiveBackgroundTasks int                        `json:"active_background_tasks"`
	EffectivePreloadCap   int                        `json:"effective_preload_cap"`
	Breakers              []resilience.BreakerStatus `json:"breakers"`
	GeneratedAt           time.Time                  `json:"generated_at"`
}

// Governor samples synthetic system load, activates throttling under
// pressure, continuously tunes the adaptive configuration, and gates
// admission for preload and background work.
type Governor struct {
	mu sync.Mutex

	cfg      config.GovernorConfig
	adaptive AdaptiveConfig
	sample   MetricsSample

	throttling bool
	emergency  bool

	activePreloads   int
	activeBackground int
	preloadCap       int

	// rolling window, reset on every sampling cycle
	windowOps      int
	windowErrors   int
	windowRespTime time.Duration

	// baseline load factor feeding the synthetic CPU estimate
	baselineCPU float64

	criticalTaskTypes map[string]bool

	breakers *resilience.BreakerRegistry
	metrics  *metrics.Metrics
	logger   *logging.Logger

	stopCh  chan struct{}
	running bool
}

// New creates a governor with the given limits and collaborators
func New(cfg config.GovernorConfig, breakers *resilience.BreakerRegistry, m *metrics.Metrics) *Governor {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Governor{
		cfg:         cfg,
		adaptive:    DefaultAdaptiveConfig(),
		preloadCap:  cfg.MaxConcurrentPreloads,
		baselineCPU: 15,
		criticalTaskTypes: map[string]bool{
			"detection":    true,
			"alerting":     true,
			"data_cleanup": true,
		},
		breakers: breakers,
		metrics:  m,
		logger:   logging.GetLogger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop. Idempotent.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	go g.samplingLoop(ctx)
	g.logger.Info("Resource governor started",
		"sampling_interval", g.cfg.SamplingInterval,
		"throttle_threshold", g.cfg.ThrottleThreshold,
	)
}

// Stop halts the sampling loop
func (g *Governor) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	close(g.stopCh)
	g.running = false
	g.logger.Info("Resource governor stopped")
}

func (g *Governor) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.runCycle(g.collectSample())
		}
	}
}

// collectSample builds the synthetic load snapshot from the operation
// counters, the baseline load factor, and Go runtime memory stats.
func (g *Governor) collectSample() MetricsSample {
	g.mu.Lock()
	defer g.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	cpu := g.baselineCPU + 3*float64(g.activeBackground) + 2*float64(g.activePreloads)
	if cpu > 100 {
		cpu = 100
	}

	mem := float64(0)
	if memStats.Sys > 0 {
		mem = float64(memStats.Alloc) / float64(memStats.Sys) * 100
	}

	respTime := time.Duration(0)
	errRate := float64(0)
	if g.windowOps > 0 {
		respTime = g.windowRespTime / time.Duration(g.windowOps)
		errRate = float64(g.windowErrors) / float64(g.windowOps) * 100
	}
	g.windowOps = 0
	g.windowErrors = 0
	g.windowRespTime = 0

	return MetricsSample{
		CPUUsage:          cpu,
		MemoryUsage:       mem,
		ActiveConnections: g.activePreloads + g.activeBackground,
		ResponseTime:      respTime,
		ErrorRate:         errRate,
		MeasuredAt:        time.Now(),
	}
}

// runCycle applies one full evaluation pass for the given sample: throttling
// hysteresis, the adaptive feedback loop, then emergency overload handling.
func (g *Governor) runCycle(sample MetricsSample) {
	g.mu.Lock()
	g.sample = sample
	g.evaluateThrottlingLocked(sample)
	g.adaptLocked(sample)
	emergency := g.checkEmergencyLocked(sample)
	aggressiveness := g.adaptive.PreloadingAggressiveness
	throttling := g.throttling
	g.mu.Unlock()

	if emergency {
		// Outside the lock: GC can pause and the breakers take their own lock
		g.breakers.ForceOpenAll(emergencyCooldown)
		runtime.GC()
	}

	g.metrics.PreloadingAggressiveness.Set(aggressiveness)
	if throttling {
		g.metrics.ThrottlingActive.Set(1)
	} else {
		g.metrics.ThrottlingActive.Set(0)
	}
}

func (g *Governor) evaluateThrottlingLocked(sample MetricsSample) {
	threshold := g.cfg.ThrottleThreshold

	if !g.throttling {
		if sample.CPUUsage > threshold || sample.MemoryUsage > threshold || sample.ResponseTime > time.Second {
			g.throttling = true
			g.adaptive.PreloadingAggressiveness = clampFloat(g.adaptive.PreloadingAggressiveness*0.6, minAggressiveness, maxAggressiveness)
			g.adaptive.BackgroundTaskFrequency = clampDuration(time.Duration(float64(g.adaptive.BackgroundTaskFrequency)*1.5), minFrequency, maxFrequency)
			g.adaptive.PredictionConfidenceThreshold = clampFloat(g.adaptive.PredictionConfidenceThreshold+10, minConfidence, maxConfidence)
			g.logger.Warn("Throttling activated",
				"cpu", sample.CPUUsage,
				"memory", sample.MemoryUsage,
				"response_time", sample.ResponseTime,
				"aggressiveness", g.adaptive.PreloadingAggressiveness,
			)
		}
		return
	}

	recovery := 0.8 * threshold
	if sample.CPUUsage < recovery && sample.MemoryUsage < recovery && sample.ResponseTime < 500*time.Millisecond {
		g.throttling = false
		g.adaptive.PreloadingAggressiveness = clampFloat(g.adaptive.PreloadingAggressiveness*1.2, minAggressiveness, maxAggressiveness)
		g.adaptive.BackgroundTaskFrequency = clampDuration(time.Duration(float64(g.adaptive.BackgroundTaskFrequency)*0.9), minFrequency, maxFrequency)
		g.adaptive.PredictionConfidenceThreshold = clampFloat(g.adaptive.PredictionConfidenceThreshold-5, minConfidence, maxConfidence)
		g.logger.Info("Throttling deactivated",
			"cpu", sample.CPUUsage,
			"memory", sample.MemoryUsage,
			"response_time", sample.ResponseTime,
			"aggressiveness", g.adaptive.PreloadingAggressiveness,
		)
	}
}

// adaptLocked runs the weighted feedback loop. Each term is normalized
// against a fixed cap; an overall score above 0.7 tightens the configuration
// proportionally, bounded to 50% per cycle.
func (g *Governor) adaptLocked(sample MetricsSample) {
	score := g.adaptationScore(sample)
	if score <= 0.7 {
		return
	}

	adjustment := score * 0.5
	if adjustment > 0.5 {
		adjustment = 0.5
	}

	g.adaptive.PreloadingAggressiveness = clampFloat(g.adaptive.PreloadingAggressiveness*(1-adjustment), minAggressiveness, maxAggressiveness)
	g.adaptive.PredictionConfidenceThreshold = clampFloat(g.adaptive.PredictionConfidenceThreshold*(1+adjustment), minConfidence, maxConfidence)
	g.adaptive.BackgroundTaskFrequency = clampDuration(time.Duration(float64(g.adaptive.BackgroundTaskFrequency)*(1+adjustment)), minFrequency, maxFrequency)

	g.logger.Info("Adaptive configuration tightened",
		"score", fmt.Sprintf("%.3f", score),
		"aggressiveness", g.adaptive.PreloadingAggressiveness,
		"confidence_threshold", g.adaptive.PredictionConfidenceThreshold,
		"background_frequency", g.adaptive.BackgroundTaskFrequency,
	)
}

func (g *Governor) adaptationScore(sample MetricsSample) float64 {
	cpuNorm := clampFloat(sample.CPUUsage/100, 0, 1)
	memNorm := clampFloat(sample.MemoryUsage/100, 0, 1)
	latencyNorm := clampFloat(float64(sample.ResponseTime)/float64(2000*time.Millisecond), 0, 1)
	errorNorm := clampFloat(sample.ErrorRate/10, 0, 1)

	return g.cfg.CPUWeight*cpuNorm +
		g.cfg.MemoryWeight*memNorm +
		g.cfg.LatencyWeight*latencyNorm +
		g.cfg.ErrorWeight*errorNorm
}

// checkEmergencyLocked handles hard overload: aggressiveness to zero, preload
// cap down to 2, every breaker force-opened. Returns true when the caller
// must run the out-of-lock emergency actions.
func (g *Governor) checkEmergencyLocked(sample MetricsSample) bool {
	overloaded := sample.CPUUsage > g.cfg.MaxCPUUsage || sample.MemoryUsage > g.cfg.MaxMemoryUsage

	if overloaded {
		first := !g.emergency
		g.emergency = true
		g.adaptive.PreloadingAggressiveness = 0
		g.preloadCap = 2
		if first {
			g.logger.Error("Emergency overload handling engaged",
				"cpu", sample.CPUUsage,
				"memory", sample.MemoryUsage,
				"max_cpu", g.cfg.MaxCPUUsage,
				"max_memory", g.cfg.MaxMemoryUsage,
			)
		}
		return true
	}

	if g.emergency {
		g.emergency = false
		g.preloadCap = g.cfg.MaxConcurrentPreloads
		if g.adaptive.PreloadingAggressiveness < minAggressiveness {
			g.adaptive.PreloadingAggressiveness = minAggressiveness
		}
		g.logger.Info("Emergency overload cleared",
			"cpu", sample.CPUUsage,
			"memory", sample.MemoryUsage,
		)
	}
	return false
}

// CanExecutePreloading is the admission check for preload work
func (g *Governor) CanExecutePreloading(priority Priority) resilience.Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.activePreloads >= g.preloadCap {
		return g.rejectLocked(KindPreload, "preload_limit",
			fmt.Sprintf("concurrent preload limit reached (%d/%d)", g.activePreloads, g.preloadCap))
	}

	if admission := g.breakers.CheckAdmission(resilience.DepPreloader); !admission.Allowed {
		return g.rejectLocked(KindPreload, "breaker_open", admission.Reason)
	}

	if priority == PriorityLow && g.throttling {
		return g.rejectLocked(KindPreload, "throttling",
			"low-priority preloading suspended while throttling is active")
	}

	if g.sample.CPUUsage > g.cfg.MaxCPUUsage && priority != PriorityHigh {
		return g.rejectLocked(KindPreload, "cpu_overload",
			fmt.Sprintf("CPU usage %.1f%% above hard limit %.1f%%", g.sample.CPUUsage, g.cfg.MaxCPUUsage))
	}

	return resilience.Admission{Allowed: true}
}

// CanExecuteBackgroundTask is the admission check for background work
func (g *Governor) CanExecuteBackgroundTask(taskType string) resilience.Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.activeBackground >= g.cfg.MaxBackgroundTasks {
		return g.rejectLocked(KindBackgroundTask, "task_limit",
			fmt.Sprintf("background task limit reached (%d/%d)", g.activeBackground, g.cfg.MaxBackgroundTasks))
	}

	if g.throttling && !g.criticalTaskTypes[taskType] {
		return g.rejectLocked(KindBackgroundTask, "throttling",
			fmt.Sprintf("non-critical task type %q suspended while throttling is active", taskType))
	}

	return resilience.Admission{Allowed: true}
}

func (g *Governor) rejectLocked(kind OperationKind, reason, message string) resilience.Admission {
	g.metrics.AdmissionRejections.WithLabelValues(string(kind), reason).Inc()
	return resilience.Admission{Allowed: false, Reason: message}
}

// RegisterOperationStart tracks an admitted operation
func (g *Governor) RegisterOperationStart(kind OperationKind, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch kind {
	case KindPreload:
		g.activePreloads++
		g.metrics.ActiveOperations.WithLabelValues(string(kind)).Set(float64(g.activePreloads))
	case KindBackgroundTask:
		g.activeBackground++
		g.metrics.ActiveOperations.WithLabelValues(string(kind)).Set(float64(g.activeBackground))
	}
}

// RegisterOperationEnd records an operation's outcome, updates the rolling
// window, and feeds the preloader breaker.
func (g *Governor) RegisterOperationEnd(kind OperationKind, id string, duration time.Duration, err error) {
	g.mu.Lock()

	switch kind {
	case KindPreload:
		if g.activePreloads > 0 {
			g.activePreloads--
		}
		g.metrics.ActiveOperations.WithLabelValues(string(kind)).Set(float64(g.activePreloads))
	case KindBackgroundTask:
		if g.activeBackground > 0 {
			g.activeBackground--
		}
		g.metrics.ActiveOperations.WithLabelValues(string(kind)).Set(float64(g.activeBackground))
	}

	g.windowOps++
	g.windowRespTime += duration
	if err != nil {
		g.windowErrors++
	}
	g.mu.Unlock()

	if kind == KindPreload {
		if err != nil {
			g.breakers.RecordFailure(resilience.DepPreloader, err)
		} else {
			g.breakers.RecordSuccess(resilience.DepPreloader)
		}
	}
}

// AdaptiveConfiguration returns a copy of the current tuning state
func (g *Governor) AdaptiveConfiguration() AdaptiveConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adaptive
}

// IsThrottling reports whether throttling is currently active
func (g *Governor) IsThrottling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.throttling
}

// CurrentSample returns the latest metrics sample
func (g *Governor) CurrentSample() MetricsSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sample
}

// GetSafetyReport builds the operator-facing snapshot
func (g *Governor) GetSafetyReport() SafetyReport {
	g.mu.Lock()
	report := SafetyReport{
		Sample:                g.sample,
		ThrottlingActive:      g.throttling,
		EmergencyActive:       g.emergency,
		Adaptive:              g.adaptive,
		ActivePreloads:        g.activePreloads,
		ActiveBackgroundTasks: g.activeBackground,
		EffectivePreloadCap:   g.preloadCap,
		GeneratedAt:           time.Now(),
	}
	g.mu.Unlock()

	report.Breakers = g.breakers.Snapshot()
	return report
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
