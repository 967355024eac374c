package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gestibat/gestibat/internal/events"
	"github.com/gestibat/gestibat/internal/governor"
	"github.com/gestibat/gestibat/pkg/config"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/logging"
	"github.com/gestibat/gestibat/pkg/metrics"
	"github.com/gestibat/gestibat/pkg/resilience"
)

const (
	// task type reported to the governor; detection is on its critical list
	// so throttling never suspends scheduled runs
	taskTypeDetection = "detection"

	// delayed re-check after a document is signed, giving downstream
	// entity creation time to land
	documentFollowUpDelay = time.Hour

	deadlineLookAheadDays = 7
	conflictLookAhead     = 48 * time.Hour
	slowRunThreshold      = 30 * time.Second
)

// Deps bundles the scheduler's collaborators
type Deps struct {
	Detector DetectionService
	Store    EntityStore
	Bus      events.Bus
	Governor *governor.Governor
	Breakers *resilience.BreakerRegistry
	Metrics  *metrics.Metrics
}

// Scheduler drives detection runs on five cadences, reacts to domain events,
// and maintains per-entity risk profiles and a bounded run history. All
// detection calls go through the retrier and the detection-service breaker.
type Scheduler struct {
	cfg      config.SchedulerConfig
	enabled  bool
	detector DetectionService
	store    EntityStore
	bus      events.Bus
	governor *governor.Governor
	breakers *resilience.BreakerRegistry
	retrier  *resilience.Retrier
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu       sync.Mutex
	running  bool
	history  []RunSummary
	nextFire map[string]time.Time
	inFlight map[string]bool
	cancels  []func()
	stopCh   chan struct{}

	locksMu     sync.Mutex
	entityLocks map[string]*sync.Mutex

	profiles *profileStore
	wg       sync.WaitGroup

	// injectable clock and follow-up delay for tests
	now           func() time.Time
	followUpDelay time.Duration
}

// NewScheduler creates a detection scheduler. When enabled is false, Start
// never arms timers or subscriptions; manual triggers still work.
func NewScheduler(cfg config.SchedulerConfig, enabled bool, deps Deps) *Scheduler {
	if deps.Bus == nil {
		deps.Bus = events.NewMemoryBus()
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	return &Scheduler{
		cfg:           cfg,
		enabled:       enabled,
		detector:      deps.Detector,
		store:         deps.Store,
		bus:           deps.Bus,
		governor:      deps.Governor,
		breakers:      deps.Breakers,
		retrier:       resilience.NewRetrier(resilience.DefaultRetryPolicy()),
		metrics:       deps.Metrics,
		logger:        logging.GetLogger(),
		nextFire:      make(map[string]time.Time),
		inFlight:      make(map[string]bool),
		entityLocks:   make(map[string]*sync.Mutex),
		profiles:      newProfileStore(cfg.CriticalAlertWeight, cfg.PendingAlertWeight),
		now:           time.Now,
		followUpDelay: documentFollowUpDelay,
	}
}

// Start arms the cadences and event subscriptions after one immediate
// detection pass. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("Detection scheduler disabled, timers not started")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// warm the risk profiles before the first timer fires
	s.runFullDetection(ctx, RunTypeHourly)

	s.subscribeEvents()

	s.startInterval(cadenceHourly, s.cfg.HourlyInterval, func(ctx context.Context) {
		s.runFullDetection(ctx, RunTypeHourly)
	})
	s.startInterval(cadenceThresholds, s.cfg.ThresholdInterval, s.runThresholdEvaluation)
	s.startWallClock(cadenceDaily, func(now time.Time) time.Time {
		return nextDailyFire(now, s.cfg.DailyHour)
	}, s.runDailyDetection)
	s.startWallClock(cadenceTwiceDaily, func(now time.Time) time.Time {
		return nextTwiceDailyFire(now, s.cfg.TwiceDailyHours)
	}, s.runBusinessHoursDetection)
	s.startWallClock(cadenceWeekly, func(now time.Time) time.Time {
		return nextWeeklyFire(now, s.cfg.WeeklyDay, s.cfg.WeeklyHour)
	}, s.runWeeklyMaintenance)

	s.logger.Info("Detection scheduler started",
		"hourly_interval", s.cfg.HourlyInterval.String(),
		"daily_hour", s.cfg.DailyHour,
		"weekly_day", s.cfg.WeeklyDay.String(),
	)

	return nil
}

// Stop halts all cadences and subscriptions and waits for in-flight work
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("Detection scheduler stopped")
}

// IsRunning reports whether the cadences are armed
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerManualDetection runs an immediate full detection pass. It works
// even when the scheduled cadences are disabled.
func (s *Scheduler) TriggerManualDetection(ctx context.Context) *RunSummary {
	return s.runFullDetection(ctx, RunTypeManual)
}

// Metrics derives the observability view from the run history
func (s *Scheduler) Metrics() SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := SchedulerMetrics{TotalRuns: len(s.history)}

	var total time.Duration
	for _, run := range s.history {
		if run.Succeeded() {
			m.SuccessfulRuns++
		} else {
			m.FailedRuns++
		}
		total += run.ExecutionTime
		if run.CompletedAt.After(m.LastRunAt) {
			m.LastRunAt = run.CompletedAt
		}
	}
	if len(s.history) > 0 {
		m.AverageExecutionTime = total / time.Duration(len(s.history))
	}

	for _, at := range s.nextFire {
		if m.NextScheduledRun.IsZero() || at.Before(m.NextScheduledRun) {
			m.NextScheduledRun = at
		}
	}
	if s.running {
		m.ActiveIntervals = len(s.nextFire)
	}

	return m
}

// RiskProfiles returns a snapshot of all per-entity risk profiles
func (s *Scheduler) RiskProfiles() []RiskProfile {
	return s.profiles.snapshot()
}

// RiskProfile returns the profile for one entity, if known
func (s *Scheduler) RiskProfile(entityID string) (RiskProfile, bool) {
	return s.profiles.get(entityID)
}

// RunHistory returns up to limit most recent run summaries, newest first.
// A non-positive limit returns the full retained history.
func (s *Scheduler) RunHistory(limit int) []RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]RunSummary, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Cadence wiring

func (s *Scheduler) startInterval(name string, every time.Duration, fire func(context.Context)) {
	s.recordNextFire(name, s.now().Add(every))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.recordNextFire(name, s.now().Add(every))
				s.fireGuarded(name, fire)
			}
		}
	}()
}

func (s *Scheduler) startWallClock(name string, next func(time.Time) time.Time, fire func(context.Context)) {
	at := next(s.now())
	s.recordNextFire(name, at)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			timer := time.NewTimer(time.Until(at))
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
				s.fireGuarded(name, fire)
			}
			at = next(s.now())
			s.recordNextFire(name, at)
		}
	}()
}

// fireGuarded runs one cadence firing with a skip-if-running guard and panic
// recovery, so a slow or faulty run can never stack up or kill the loop
func (s *Scheduler) fireGuarded(name string, fire func(context.Context)) {
	s.mu.Lock()
	if s.inFlight[name] {
		s.mu.Unlock()
		s.logger.Warn("Skipping cadence firing, previous run still in progress", "cadence", name)
		return
	}
	s.inFlight[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[name] = false
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("Detection cadence panicked", "cadence", name, "panic", r)
		}
	}()

	fire(context.Background())
}

func (s *Scheduler) recordNextFire(name string, at time.Time) {
	s.mu.Lock()
	s.nextFire[name] = at
	s.mu.Unlock()
}

// Event subscriptions

func (s *Scheduler) subscribeEvents() {
	entityEvents := events.TypeIs(
		events.TypeProjectStatusChanged,
		events.TypeTimelineRecalculated,
		events.TypeCriticalTechnicalAlert,
	)

	unsubEntity := s.bus.Subscribe(entityEvents, s.handleEntityEvent)
	unsubSigned := s.bus.Subscribe(events.TypeIs(events.TypeDocumentSigned), s.handleDocumentSigned)

	s.mu.Lock()
	s.cancels = append(s.cancels, unsubEntity, unsubSigned)
	s.mu.Unlock()
}

// handleEntityEvent reacts to a state change by re-scanning the one entity
// concerned. Dispatch is asynchronous so publishers are never blocked on
// detection work.
func (s *Scheduler) handleEntityEvent(ctx context.Context, event events.Event) {
	if event.EntityID == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runScopedDetection(context.Background(), event.EntityID)
	}()
}

// handleDocumentSigned re-scans the signing entity immediately, then arms a
// delayed follow-up for the downstream entity the signature may create
func (s *Scheduler) handleDocumentSigned(ctx context.Context, event events.Event) {
	s.handleEntityEvent(ctx, event)

	target := event.Metadata["downstream_entity_id"]
	if target == "" {
		target = event.EntityID
	}
	if target == "" {
		return
	}

	// arm and register under the same lock Stop drains cancels with, so a
	// follow-up can never outlive the scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	cancel := scheduleAt(s.now().Add(s.followUpDelay), func() {
		if !s.IsRunning() {
			return
		}
		s.runScopedDetection(context.Background(), target)
	})
	s.cancels = append(s.cancels, cancel)
}

// Run execution

func (s *Scheduler) runFullDetection(ctx context.Context, runType RunType) *RunSummary {
	return s.executeRun(ctx, runType, func(ctx context.Context, summary *RunSummary) {
		s.scanActiveEntities(ctx, summary)
	})
}

func (s *Scheduler) runScopedDetection(ctx context.Context, entityID string) *RunSummary {
	return s.executeRun(ctx, RunTypeEventTriggered, func(ctx context.Context, summary *RunSummary) {
		s.detectEntityInto(ctx, summary, entityID)
	})
}

// runDailyDetection is the morning deep pass: per-entity scan plus the
// aggregate checks that do not map to a single entity
func (s *Scheduler) runDailyDetection(ctx context.Context) {
	s.executeRun(ctx, RunTypeDaily, func(ctx context.Context, summary *RunSummary) {
		s.scanActiveEntities(ctx, summary)

		s.runAggregateCheck(ctx, summary, "critical_deadlines", func(ctx context.Context) ([]Alert, error) {
			return s.detector.CheckCriticalDeadlines(ctx, deadlineLookAheadDays)
		})
		s.runAggregateCheck(ctx, summary, "optimization_opportunities", func(ctx context.Context) ([]Alert, error) {
			return s.detector.DetectOptimizationOpportunities(ctx)
		})

		s.runPeriodicPass(ctx, summary)
	})
}

// runBusinessHoursDetection fires at the start and end of the business day
// and adds a planning-conflict sweep to the standard scan
func (s *Scheduler) runBusinessHoursDetection(ctx context.Context) {
	s.executeRun(ctx, RunTypeTwiceDaily, func(ctx context.Context, summary *RunSummary) {
		s.scanActiveEntities(ctx, summary)

		s.runAggregateCheck(ctx, summary, "planning_conflicts", func(ctx context.Context) ([]Alert, error) {
			return s.detector.DetectPlanningConflicts(ctx, conflictLookAhead)
		})
	})
}

// runWeeklyMaintenance does a full scan and prunes risk profiles of entities
// that left the active set more than a week ago
func (s *Scheduler) runWeeklyMaintenance(ctx context.Context) {
	s.executeRun(ctx, RunTypeWeekly, func(ctx context.Context, summary *RunSummary) {
		s.scanActiveEntities(ctx, summary)

		entities, err := s.store.GetActiveEntities(ctx)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("profile cleanup: %v", err))
			return
		}

		activeIDs := make(map[string]bool, len(entities))
		for _, e := range entities {
			activeIDs[e.ID] = true
		}

		if removed := s.profiles.cleanup(activeIDs, s.now()); len(removed) > 0 {
			s.logger.Info("Pruned stale risk profiles", "count", len(removed))
		}
	})
}

// runThresholdEvaluation re-checks business limits without producing a run
// summary; the detection service raises its own alerts
func (s *Scheduler) runThresholdEvaluation(ctx context.Context) {
	err := s.callDependency(ctx, func(ctx context.Context) error {
		return s.detector.EvaluateBusinessThresholds(ctx)
	})
	if err != nil {
		s.logger.Error("Business threshold evaluation failed", "error", err)
	}
}

// executeRun wraps a run body with governor admission, operation tracking,
// and summary finalization
func (s *Scheduler) executeRun(ctx context.Context, runType RunType, body func(context.Context, *RunSummary)) *RunSummary {
	summary := s.beginRun(runType)

	if s.governor != nil {
		if admission := s.governor.CanExecuteBackgroundTask(taskTypeDetection); !admission.Allowed {
			summary.Errors = append(summary.Errors, "admission rejected: "+admission.Reason)
			s.finalizeRun(ctx, summary)
			return summary
		}

		s.governor.RegisterOperationStart(governor.KindBackgroundTask, summary.RunID)
		defer func() {
			var runErr error
			if !summary.Succeeded() {
				runErr = appErrors.NewDetectionError("", "run completed with errors")
			}
			s.governor.RegisterOperationEnd(governor.KindBackgroundTask, summary.RunID,
				s.now().Sub(summary.ScheduledAt), runErr)
		}()
	}

	body(ctx, summary)
	s.finalizeRun(ctx, summary)
	return summary
}

func (s *Scheduler) beginRun(runType RunType) *RunSummary {
	return &RunSummary{
		RunID:            uuid.New().String(),
		ScheduledAt:      s.now(),
		RunType:          runType,
		AffectedEntities: []string{},
		Errors:           []string{},
		Recommendations:  []string{},
	}
}

func (s *Scheduler) scanActiveEntities(ctx context.Context, summary *RunSummary) {
	entities, err := s.store.GetActiveEntities(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list active entities: %v", err))
		return
	}

	for _, entity := range entities {
		s.detectEntityInto(ctx, summary, entity.ID)
	}
}

// detectEntityInto scans one entity under its serialization lock and folds
// the result into the run summary. One failing entity never aborts the run.
func (s *Scheduler) detectEntityInto(ctx context.Context, summary *RunSummary, entityID string) {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	alerts, err := s.detectEntity(ctx, entityID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", entityID, err))
		return
	}

	critical := 0
	for _, alert := range alerts {
		if alert.Severity == SeverityCritical {
			critical++
		}
	}

	summary.TotalAlertsGenerated += len(alerts)
	summary.CriticalAlertsCount += critical
	summary.AffectedEntities = append(summary.AffectedEntities, entityID)

	profile := s.profiles.update(entityID, critical, len(alerts)-critical, s.now())
	if profile.TrendDirection == TrendDeteriorating && profile.RiskScore > deteriorationFloor {
		s.publishRiskDeterioration(ctx, profile)
	}
}

// detectEntity invokes the detection service for one entity behind the
// breaker and the retrier
func (s *Scheduler) detectEntity(ctx context.Context, entityID string) ([]Alert, error) {
	var alerts []Alert
	err := s.callDependency(ctx, func(ctx context.Context) error {
		found, err := s.detector.DetectDelayRisks(ctx, entityID)
		if err != nil {
			return err
		}
		alerts = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// runAggregateCheck performs a cross-entity detection call and folds its
// alerts into the summary totals
func (s *Scheduler) runAggregateCheck(ctx context.Context, summary *RunSummary, name string, op func(context.Context) ([]Alert, error)) {
	var alerts []Alert
	err := s.callDependency(ctx, func(ctx context.Context) error {
		found, err := op(ctx)
		if err != nil {
			return err
		}
		alerts = found
		return nil
	})
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", name, err))
		return
	}

	summary.TotalAlertsGenerated += len(alerts)
	for _, alert := range alerts {
		if alert.Severity == SeverityCritical {
			summary.CriticalAlertsCount++
		}
	}
}

// runPeriodicPass delegates to the detection service's own aggregate pass
// and merges its result and recommendations
func (s *Scheduler) runPeriodicPass(ctx context.Context, summary *RunSummary) {
	var result *PeriodicDetectionResult
	err := s.callDependency(ctx, func(ctx context.Context) error {
		r, err := s.detector.RunPeriodicDetection(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("periodic detection: %v", err))
		return
	}
	if result == nil {
		return
	}

	summary.TotalAlertsGenerated += result.TotalAlertsGenerated
	summary.CriticalAlertsCount += result.CriticalIssues
	summary.Recommendations = append(summary.Recommendations, result.Recommendations...)
}

// callDependency is the single choke point for detection-service calls:
// breaker admission first, then retries, then outcome recording
func (s *Scheduler) callDependency(ctx context.Context, op func(context.Context) error) error {
	admission := s.breakers.CheckAdmission(resilience.DepDetectionService)
	if !admission.Allowed {
		return appErrors.NewBreakerRejectedError(resilience.DepDetectionService, admission.Reason)
	}

	err := s.retrier.Execute(ctx, op)
	if err != nil {
		s.breakers.RecordFailure(resilience.DepDetectionService, err)
		return err
	}

	s.breakers.RecordSuccess(resilience.DepDetectionService)
	return nil
}

func (s *Scheduler) finalizeRun(ctx context.Context, summary *RunSummary) {
	now := s.now()
	summary.CompletedAt = now
	summary.ExecutionTime = now.Sub(summary.ScheduledAt)
	summary.Recommendations = append(summary.Recommendations, buildRecommendations(summary)...)

	outcome := "success"
	if !summary.Succeeded() {
		outcome = "completed_with_errors"
	}
	s.metrics.DetectionRunsTotal.WithLabelValues(string(summary.RunType), outcome).Inc()
	s.metrics.DetectionRunDuration.WithLabelValues(string(summary.RunType)).Observe(summary.ExecutionTime.Seconds())
	if summary.CriticalAlertsCount > 0 {
		s.metrics.AlertsGenerated.WithLabelValues(string(summary.RunType), string(SeverityCritical)).
			Add(float64(summary.CriticalAlertsCount))
	}
	if rest := summary.TotalAlertsGenerated - summary.CriticalAlertsCount; rest > 0 {
		s.metrics.AlertsGenerated.WithLabelValues(string(summary.RunType), string(SeverityWarning)).
			Add(float64(rest))
	}

	s.appendHistory(*summary)

	if summary.CriticalAlertsCount > 0 {
		s.publishCriticalBatch(ctx, summary)
	}

	s.logger.LogRunEvent(ctx, "run_completed", summary.RunID, string(summary.RunType), logrus.Fields{
		"alerts":   summary.TotalAlertsGenerated,
		"critical": summary.CriticalAlertsCount,
		"entities": len(summary.AffectedEntities),
		"errors":   len(summary.Errors),
		"duration": summary.ExecutionTime.String(),
	})
}

func buildRecommendations(summary *RunSummary) []string {
	var recs []string
	if summary.CriticalAlertsCount > 0 {
		recs = append(recs, "Critical alerts present, immediate review recommended")
	}
	if len(summary.Errors) > 0 {
		recs = append(recs, "Detection errors occurred, check dependency health before the next run")
	}
	if summary.ExecutionTime > slowRunThreshold {
		recs = append(recs, "Run duration is high, consider reducing detection scope")
	}
	return recs
}

func (s *Scheduler) appendHistory(summary RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, summary)
	if len(s.history) > s.cfg.RunHistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.RunHistoryLimit:]
	}
}

func (s *Scheduler) publishCriticalBatch(ctx context.Context, summary *RunSummary) {
	err := s.bus.Publish(ctx, events.Event{
		Type:     events.TypeCriticalAlertsBatch,
		Severity: events.SeverityCritical,
		Metadata: map[string]string{
			"run_id":         summary.RunID,
			"run_type":       string(summary.RunType),
			"critical_count": fmt.Sprintf("%d", summary.CriticalAlertsCount),
		},
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Error("Failed to publish critical alerts batch", "run_id", summary.RunID, "error", err)
	}
}

func (s *Scheduler) publishRiskDeterioration(ctx context.Context, profile RiskProfile) {
	err := s.bus.Publish(ctx, events.Event{
		Type:     events.TypeRiskDeterioration,
		EntityID: profile.EntityID,
		Severity: events.SeverityWarning,
		Metadata: map[string]string{
			"risk_score":      fmt.Sprintf("%d", profile.RiskScore),
			"critical_alerts": fmt.Sprintf("%d", profile.CriticalAlerts),
		},
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Error("Failed to publish risk deterioration", "entity_id", profile.EntityID, "error", err)
	}
}

func (s *Scheduler) entityLock(entityID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.entityLocks[entityID]
	if !ok {
		lock = &sync.Mutex{}
		s.entityLocks[entityID] = lock
	}
	return lock
}
