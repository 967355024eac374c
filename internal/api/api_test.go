package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestibat/gestibat/internal/detection"
	"github.com/gestibat/gestibat/internal/governor"
	"github.com/gestibat/gestibat/pkg/config"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
	"github.com/gestibat/gestibat/pkg/resilience"
)

type stubDetector struct{}

func (stubDetector) DetectDelayRisks(ctx context.Context, entityID string) ([]detection.Alert, error) {
	return []detection.Alert{{
		ID:       "a1",
		EntityID: entityID,
		Type:     "delay_risk",
		Severity: detection.SeverityWarning,
		Status:   detection.AlertStatusPending,
	}}, nil
}

func (stubDetector) DetectPlanningConflicts(ctx context.Context, timeframe time.Duration) ([]detection.Alert, error) {
	return nil, nil
}

func (stubDetector) CheckCriticalDeadlines(ctx context.Context, daysAhead int) ([]detection.Alert, error) {
	return nil, nil
}

func (stubDetector) DetectOptimizationOpportunities(ctx context.Context) ([]detection.Alert, error) {
	return nil, nil
}

func (stubDetector) EvaluateBusinessThresholds(ctx context.Context) error { return nil }

func (stubDetector) RunPeriodicDetection(ctx context.Context) (*detection.PeriodicDetectionResult, error) {
	return nil, nil
}

type stubStore struct {
	alerts []detection.Alert
}

func (s *stubStore) GetActiveEntities(ctx context.Context) ([]detection.Entity, error) {
	return []detection.Entity{{ID: "chantier-1", Name: "Chantier rue Verte", Active: true}}, nil
}

func (s *stubStore) GetEntity(ctx context.Context, id string) (*detection.Entity, error) {
	return &detection.Entity{ID: id, Active: true}, nil
}

func (s *stubStore) GetAlerts(ctx context.Context, filter detection.AlertFilter) ([]detection.Alert, error) {
	return s.alerts, nil
}

func (s *stubStore) UpdateAlert(ctx context.Context, id string, patch detection.AlertPatch) error {
	return nil
}

func newTestRouter() (*gin.Engine, *detection.Scheduler) {
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	gov := governor.New(config.GovernorConfig{
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
	}, breakers, nil)

	store := &stubStore{alerts: []detection.Alert{{ID: "a1", EntityID: "chantier-1"}}}
	scheduler := detection.NewScheduler(config.SchedulerConfig{
		HourlyInterval:      time.Hour,
		ThresholdInterval:   30 * time.Minute,
		DailyHour:           8,
		TwiceDailyHours:     []int{9, 17},
		WeeklyDay:           time.Sunday,
		WeeklyHour:          2,
		RunHistoryLimit:     100,
		CriticalAlertWeight: 30,
		PendingAlertWeight:  10,
	}, false, detection.Deps{
		Detector: stubDetector{},
		Store:    store,
		Governor: gov,
		Breakers: breakers,
	})

	handlers := NewHandlers(scheduler, gov, breakers, store)
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "info"}}
	return NewRouter(cfg, handlers, nil), scheduler
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAPI_Health(t *testing.T) {
	router, _ := newTestRouter()

	rec, body := doRequest(t, router, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAPI_TriggerDetectionAndHistory(t *testing.T) {
	router, scheduler := newTestRouter()

	rec, body := doRequest(t, router, http.MethodPost, "/api/v1/detection/trigger")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var summary detection.RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, detection.RunTypeManual, summary.RunType)
	assert.Equal(t, 1, summary.TotalAlertsGenerated)

	assert.Len(t, scheduler.RunHistory(0), 1)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/detection/runs?limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)

	// invalid limit is rejected
	rec, body = doRequest(t, router, http.MethodGet, "/api/v1/detection/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
}

func TestAPI_RiskProfiles(t *testing.T) {
	router, scheduler := newTestRouter()
	scheduler.TriggerManualDetection(context.Background())

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/detection/profiles")

	assert.Equal(t, http.StatusOK, rec.Code)
	data, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var profiles []detection.RiskProfile
	require.NoError(t, json.Unmarshal(data, &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, "chantier-1", profiles[0].EntityID)
}

func TestAPI_GovernorEndpoints(t *testing.T) {
	router, _ := newTestRouter()

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/governor/safety-report")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	rec, body = doRequest(t, router, http.MethodGet, "/api/v1/governor/config")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
}

func TestAPI_BreakersSnapshot(t *testing.T) {
	router, _ := newTestRouter()

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/breakers")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
}

func TestAPI_ErrorResponseStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", appErrors.NewValidationError("limit must be a non-negative integer"), http.StatusBadRequest},
		{"not found", appErrors.NewNotFoundError("alert"), http.StatusNotFound},
		{"conflict", appErrors.NewConflictError("already acknowledged"), http.StatusConflict},
		{"rate limit", appErrors.NewRateLimitError("slow down"), http.StatusTooManyRequests},
		{"timeout", appErrors.NewTimeoutError("detection"), http.StatusRequestTimeout},
		{"breaker rejected", appErrors.NewBreakerRejectedError("detection-service", "circuit open"), http.StatusServiceUnavailable},
		{"internal", appErrors.NewInternalError("boom"), http.StatusInternalServerError},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)

			ErrorResponse(c, tc.err)

			assert.Equal(t, tc.status, rec.Code)

			var body APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
		})
	}
}

func TestAPI_Alerts(t *testing.T) {
	router, _ := newTestRouter()

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/detection/alerts?entity_id=chantier-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var alerts []detection.Alert
	require.NoError(t, json.Unmarshal(data, &alerts))
	assert.Len(t, alerts, 1)
}
