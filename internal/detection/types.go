package detection

import "time"

// Entity is the projection of a business entity (project, offer, AO) the
// scheduler needs; the full aggregates stay behind the EntityStore.
type Entity struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	Active    bool      `json:"active" db:"active"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AlertSeverity grades a detection alert
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus tracks an alert's lifecycle
type AlertStatus string

const (
	AlertStatusPending  AlertStatus = "pending"
	AlertStatusAcked    AlertStatus = "acknowledged"
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is a single finding produced by the detection service
type Alert struct {
	ID        string        `json:"id" db:"id"`
	EntityID  string        `json:"entity_id" db:"entity_id"`
	Type      string        `json:"type" db:"type"`
	Title     string        `json:"title" db:"title"`
	Severity  AlertSeverity `json:"severity" db:"severity"`
	Status    AlertStatus   `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// AlertFilter narrows alert queries
type AlertFilter struct {
	EntityID string
	Status   AlertStatus
	Severity AlertSeverity
}

// AlertPatch carries partial alert updates
type AlertPatch struct {
	Status *AlertStatus
	Notes  *string
}

// RunType tags how a detection run was initiated
type RunType string

const (
	RunTypeHourly         RunType = "hourly"
	RunTypeTwiceDaily     RunType = "twice_daily"
	RunTypeDaily          RunType = "daily"
	RunTypeWeekly         RunType = "weekly"
	RunTypeEventTriggered RunType = "event_triggered"
	RunTypeManual         RunType = "manual"
)

// RunSummary describes one detection run. It is created at run start,
// finalized at run end, and appended to the bounded run history.
type RunSummary struct {
	RunID                string        `json:"run_id"`
	ScheduledAt          time.Time     `json:"scheduled_at"`
	CompletedAt          time.Time     `json:"completed_at"`
	RunType              RunType       `json:"run_type"`
	TotalAlertsGenerated int           `json:"total_alerts_generated"`
	CriticalAlertsCount  int           `json:"critical_alerts_count"`
	AffectedEntities     []string      `json:"affected_entities"`
	ExecutionTime        time.Duration `json:"execution_time"`
	Errors               []string      `json:"errors"`
	Recommendations      []string      `json:"recommendations"`
}

// Succeeded reports whether the run completed without per-entity failures
func (s *RunSummary) Succeeded() bool {
	return len(s.Errors) == 0
}

// TrendDirection classifies the movement of an entity's risk score
type TrendDirection string

const (
	TrendImproving     TrendDirection = "improving"
	TrendStable        TrendDirection = "stable"
	TrendDeteriorating TrendDirection = "deteriorating"
)

// RiskProfile is the per-entity rolling risk summary
type RiskProfile struct {
	EntityID              string         `json:"entity_id"`
	LastDetectionRun      time.Time      `json:"last_detection_run"`
	RiskScore             int            `json:"risk_score"`
	ActiveAlerts          int            `json:"active_alerts"`
	CriticalAlerts        int            `json:"critical_alerts"`
	TrendDirection        TrendDirection `json:"trend_direction"`
	LastSignificantChange time.Time      `json:"last_significant_change"`
}

// SchedulerMetrics is the derived observability view over the run history
type SchedulerMetrics struct {
	TotalRuns            int           `json:"total_runs"`
	SuccessfulRuns       int           `json:"successful_runs"`
	FailedRuns           int           `json:"failed_runs"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastRunAt            time.Time     `json:"last_run_at"`
	NextScheduledRun     time.Time     `json:"next_scheduled_run"`
	ActiveIntervals      int           `json:"active_intervals"`
}

// PeriodicDetectionResult is returned by the detection service's aggregate pass
type PeriodicDetectionResult struct {
	TotalAlertsGenerated int           `json:"total_alerts_generated"`
	CriticalIssues       int           `json:"critical_issues"`
	DetectionRunTime     time.Duration `json:"detection_run_time"`
	Recommendations      []string      `json:"recommendations"`
}
