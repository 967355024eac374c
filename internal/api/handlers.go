package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gestibat/gestibat/internal/detection"
	"github.com/gestibat/gestibat/internal/governor"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/resilience"
)

// Pinger is implemented by stores that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers exposes the scheduling core over HTTP
type Handlers struct {
	scheduler *detection.Scheduler
	governor  *governor.Governor
	breakers  *resilience.BreakerRegistry
	store     detection.EntityStore
}

// NewHandlers wires the HTTP handlers. The store may be nil when the service
// runs without a database.
func NewHandlers(scheduler *detection.Scheduler, gov *governor.Governor, breakers *resilience.BreakerRegistry, store detection.EntityStore) *Handlers {
	return &Handlers{
		scheduler: scheduler,
		governor:  gov,
		breakers:  breakers,
		store:     store,
	}
}

// Health reports service liveness and dependency status
func (h *Handlers) Health(c *gin.Context) {
	status := gin.H{
		"status":            "ok",
		"scheduler_running": h.scheduler.IsRunning(),
	}

	if pinger, ok := h.store.(Pinger); ok && pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
		} else {
			status["database"] = "ok"
		}
	}

	SuccessResponse(c, status)
}

// TriggerDetection runs an immediate full detection pass
func (h *Handlers) TriggerDetection(c *gin.Context) {
	summary := h.scheduler.TriggerManualDetection(c.Request.Context())
	SuccessResponse(c, summary)
}

// SchedulerMetrics returns the derived scheduler metrics
func (h *Handlers) SchedulerMetrics(c *gin.Context) {
	SuccessResponse(c, h.scheduler.Metrics())
}

// RunHistory returns recent run summaries, newest first
func (h *Handlers) RunHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ErrorResponse(c, appErrors.NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	SuccessResponse(c, h.scheduler.RunHistory(limit))
}

// RiskProfiles returns the current per-entity risk profiles
func (h *Handlers) RiskProfiles(c *gin.Context) {
	SuccessResponse(c, h.scheduler.RiskProfiles())
}

// Alerts lists alerts filtered by the query parameters
func (h *Handlers) Alerts(c *gin.Context) {
	if h.store == nil {
		ErrorResponse(c, appErrors.NewInternalError("alert storage is not configured"))
		return
	}

	filter := detection.AlertFilter{
		EntityID: c.Query("entity_id"),
		Status:   detection.AlertStatus(c.Query("status")),
		Severity: detection.AlertSeverity(c.Query("severity")),
	}

	alerts, err := h.store.GetAlerts(c.Request.Context(), filter)
	if err != nil {
		ErrorResponse(c, err)
		return
	}

	SuccessResponse(c, alerts)
}

type updateAlertRequest struct {
	Status *detection.AlertStatus `json:"status"`
	Notes  *string                `json:"notes"`
}

// UpdateAlert applies a partial update to one alert
func (h *Handlers) UpdateAlert(c *gin.Context) {
	if h.store == nil {
		ErrorResponse(c, appErrors.NewInternalError("alert storage is not configured"))
		return
	}

	var req updateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, appErrors.NewValidationError("invalid request body"))
		return
	}

	patch := detection.AlertPatch{Status: req.Status, Notes: req.Notes}
	if err := h.store.UpdateAlert(c.Request.Context(), c.Param("id"), patch); err != nil {
		ErrorResponse(c, err)
		return
	}

	SuccessResponse(c, gin.H{"updated": true})
}

// SafetyReport returns the governor's current safety snapshot
func (h *Handlers) SafetyReport(c *gin.Context) {
	SuccessResponse(c, h.governor.GetSafetyReport())
}

// GovernorConfig returns the current adaptive configuration
func (h *Handlers) GovernorConfig(c *gin.Context) {
	SuccessResponse(c, h.governor.AdaptiveConfiguration())
}

// Breakers returns the state of every circuit breaker
func (h *Handlers) Breakers(c *gin.Context) {
	SuccessResponse(c, h.breakers.Snapshot())
}
