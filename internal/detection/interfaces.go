package detection

import (
	"context"
	"time"
)

// DetectionService runs the business analyses that produce alerts. The
// scheduler never implements detection logic itself; it only decides when
// and for which entities to invoke it.
type DetectionService interface {
	// DetectDelayRisks analyzes one entity, or all active entities when
	// entityID is empty
	DetectDelayRisks(ctx context.Context, entityID string) ([]Alert, error)

	// DetectPlanningConflicts looks for scheduling collisions within the
	// given timeframe
	DetectPlanningConflicts(ctx context.Context, timeframe time.Duration) ([]Alert, error)

	// CheckCriticalDeadlines flags deadlines falling within daysAhead days
	CheckCriticalDeadlines(ctx context.Context, daysAhead int) ([]Alert, error)

	// DetectOptimizationOpportunities surfaces non-urgent improvement leads
	DetectOptimizationOpportunities(ctx context.Context) ([]Alert, error)

	// EvaluateBusinessThresholds re-checks configured business limits and
	// raises alerts through its own channels
	EvaluateBusinessThresholds(ctx context.Context) error

	// RunPeriodicDetection executes the service's aggregate detection pass
	RunPeriodicDetection(ctx context.Context) (*PeriodicDetectionResult, error)
}

// EntityStore provides read access to the entities under surveillance and
// their alerts
type EntityStore interface {
	GetActiveEntities(ctx context.Context) ([]Entity, error)
	GetEntity(ctx context.Context, id string) (*Entity, error)
	GetAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	UpdateAlert(ctx context.Context, id string, patch AlertPatch) error
}
