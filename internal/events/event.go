package events

import "time"

// Type identifies a domain event
type Type string

const (
	// TypeProjectStatusChanged fires when a project moves through its lifecycle
	TypeProjectStatusChanged Type = "project.status_changed"
	// TypeTimelineRecalculated fires when a project's planning is recomputed
	TypeTimelineRecalculated Type = "project.timeline_recalculated"
	// TypeDocumentSigned fires when an upstream document (devis, AO) is signed
	TypeDocumentSigned Type = "document.signed"
	// TypeCriticalTechnicalAlert fires when a technical alert is raised manually
	TypeCriticalTechnicalAlert Type = "alert.critical_technical"
	// TypeCriticalAlertsBatch is published by the scheduler after a run that
	// produced critical alerts
	TypeCriticalAlertsBatch Type = "detection.critical_alerts_batch"
	// TypeRiskDeterioration is published when an entity's risk profile
	// deteriorates past the attention threshold
	TypeRiskDeterioration Type = "detection.risk_deterioration"
)

// Severity grades an event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the typed payload carried on the bus. Metadata is decoded once at
// the collaborator boundary; the core never passes loose maps around.
type Event struct {
	Type       Type              `json:"type"`
	Entity     string            `json:"entity"`
	EntityID   string            `json:"entity_id"`
	Severity   Severity          `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Predicate filters events for a subscription
type Predicate func(Event) bool

// TypeIs returns a predicate matching any of the given event types
func TypeIs(types ...Type) Predicate {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}
