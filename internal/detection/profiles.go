package detection

import (
	"sync"
	"time"
)

// Risk trend classification: a move of more than trendBand points between two
// consecutive runs counts as a real change, anything smaller is noise.
const (
	trendBand          = 10
	maxRiskScore       = 100
	deteriorationFloor = 50
	profileMaxAge      = 7 * 24 * time.Hour
)

// profileStore keeps the per-entity risk profiles built from run results
type profileStore struct {
	mu             sync.RWMutex
	profiles       map[string]RiskProfile
	criticalWeight int
	pendingWeight  int
}

func newProfileStore(criticalWeight, pendingWeight int) *profileStore {
	return &profileStore{
		profiles:       make(map[string]RiskProfile),
		criticalWeight: criticalWeight,
		pendingWeight:  pendingWeight,
	}
}

// score computes the composite risk score, capped at 100
func (p *profileStore) score(critical, pending int) int {
	s := critical*p.criticalWeight + pending*p.pendingWeight
	if s > maxRiskScore {
		s = maxRiskScore
	}
	return s
}

// update recomputes the entity's profile after a detection run and returns
// the new value
func (p *profileStore) update(entityID string, critical, pending int, at time.Time) RiskProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	score := p.score(critical, pending)

	profile, exists := p.profiles[entityID]
	trend := TrendStable
	lastChange := profile.LastSignificantChange
	if exists {
		switch {
		case score > profile.RiskScore+trendBand:
			trend = TrendDeteriorating
			lastChange = at
		case score < profile.RiskScore-trendBand:
			trend = TrendImproving
			lastChange = at
		}
	} else {
		lastChange = at
	}

	updated := RiskProfile{
		EntityID:              entityID,
		LastDetectionRun:      at,
		RiskScore:             score,
		ActiveAlerts:          critical + pending,
		CriticalAlerts:        critical,
		TrendDirection:        trend,
		LastSignificantChange: lastChange,
	}
	p.profiles[entityID] = updated

	return updated
}

// cleanup drops profiles for entities that are no longer active and have not
// been scanned for profileMaxAge. Returns the removed entity IDs.
func (p *profileStore) cleanup(activeIDs map[string]bool, now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []string
	for id, profile := range p.profiles {
		if activeIDs[id] {
			continue
		}
		if now.Sub(profile.LastDetectionRun) < profileMaxAge {
			continue
		}
		delete(p.profiles, id)
		removed = append(removed, id)
	}
	return removed
}

// get returns the profile for an entity if one exists
func (p *profileStore) get(entityID string) (RiskProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	profile, ok := p.profiles[entityID]
	return profile, ok
}

// snapshot returns a copy of all current profiles
func (p *profileStore) snapshot() []RiskProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]RiskProfile, 0, len(p.profiles))
	for _, profile := range p.profiles {
		out = append(out, profile)
	}
	return out
}
