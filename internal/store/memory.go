package store

import (
	"context"
	"sync"

	"github.com/gestibat/gestibat/internal/detection"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
)

// MemoryStore is an in-memory EntityStore for local runs and tests
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]detection.Entity
	alerts   map[string]detection.Alert
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]detection.Entity),
		alerts:   make(map[string]detection.Alert),
	}
}

// PutEntity inserts or replaces an entity
func (s *MemoryStore) PutEntity(entity detection.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.ID] = entity
}

// PutAlert inserts or replaces an alert
func (s *MemoryStore) PutAlert(alert detection.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
}

// GetActiveEntities returns every active entity
func (s *MemoryStore) GetActiveEntities(ctx context.Context) ([]detection.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []detection.Entity
	for _, entity := range s.entities {
		if entity.Active {
			active = append(active, entity)
		}
	}
	return active, nil
}

// GetEntity fetches one entity by ID
func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*detection.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[id]
	if !ok {
		return nil, appErrors.NewNotFoundError("entity")
	}
	return &entity, nil
}

// GetAlerts returns alerts matching the filter
func (s *MemoryStore) GetAlerts(ctx context.Context, filter detection.AlertFilter) ([]detection.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []detection.Alert
	for _, alert := range s.alerts {
		if filter.EntityID != "" && alert.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		matching = append(matching, alert)
	}
	return matching, nil
}

// UpdateAlert applies a partial update to one alert
func (s *MemoryStore) UpdateAlert(ctx context.Context, id string, patch detection.AlertPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return appErrors.NewNotFoundError("alert")
	}
	if patch.Status != nil {
		alert.Status = *patch.Status
	}
	s.alerts[id] = alert
	return nil
}
