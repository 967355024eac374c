package detection

import (
	"context"
	"time"
)

// StoreDetector is a persistence-backed DetectionService. It surfaces the
// pending alerts already recorded for an entity rather than computing new
// ones, which keeps the scheduler operational when the analysis engine runs
// out of process.
type StoreDetector struct {
	store EntityStore
}

// NewStoreDetector creates a detector reading from the entity store
func NewStoreDetector(store EntityStore) *StoreDetector {
	return &StoreDetector{store: store}
}

func (d *StoreDetector) pendingAlerts(ctx context.Context, entityID string, severity AlertSeverity) ([]Alert, error) {
	return d.store.GetAlerts(ctx, AlertFilter{
		EntityID: entityID,
		Status:   AlertStatusPending,
		Severity: severity,
	})
}

// DetectDelayRisks returns the pending alerts recorded for the entity
func (d *StoreDetector) DetectDelayRisks(ctx context.Context, entityID string) ([]Alert, error) {
	return d.pendingAlerts(ctx, entityID, "")
}

// DetectPlanningConflicts returns pending conflict alerts within the window
func (d *StoreDetector) DetectPlanningConflicts(ctx context.Context, timeframe time.Duration) ([]Alert, error) {
	alerts, err := d.pendingAlerts(ctx, "", "")
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-timeframe)
	var conflicts []Alert
	for _, alert := range alerts {
		if alert.Type == "planning_conflict" && alert.CreatedAt.After(cutoff) {
			conflicts = append(conflicts, alert)
		}
	}
	return conflicts, nil
}

// CheckCriticalDeadlines returns the pending critical alerts
func (d *StoreDetector) CheckCriticalDeadlines(ctx context.Context, daysAhead int) ([]Alert, error) {
	return d.pendingAlerts(ctx, "", SeverityCritical)
}

// DetectOptimizationOpportunities has nothing to surface from storage alone
func (d *StoreDetector) DetectOptimizationOpportunities(ctx context.Context) ([]Alert, error) {
	return nil, nil
}

// EvaluateBusinessThresholds is a no-op for the storage-backed detector
func (d *StoreDetector) EvaluateBusinessThresholds(ctx context.Context) error {
	return nil
}

// RunPeriodicDetection aggregates the pending alert counts
func (d *StoreDetector) RunPeriodicDetection(ctx context.Context) (*PeriodicDetectionResult, error) {
	start := time.Now()

	alerts, err := d.pendingAlerts(ctx, "", "")
	if err != nil {
		return nil, err
	}

	critical := 0
	for _, alert := range alerts {
		if alert.Severity == SeverityCritical {
			critical++
		}
	}

	return &PeriodicDetectionResult{
		TotalAlertsGenerated: len(alerts),
		CriticalIssues:       critical,
		DetectionRunTime:     time.Since(start),
	}, nil
}
