package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfileStore_ScoreComposition(t *testing.T) {
	store := newProfileStore(30, 10)

	assert.Equal(t, 0, store.score(0, 0))
	assert.Equal(t, 90, store.score(2, 3))
	assert.Equal(t, 100, store.score(4, 0)) // capped
	assert.Equal(t, 100, store.score(10, 10))
}

func TestProfileStore_TrendClassification(t *testing.T) {
	store := newProfileStore(30, 10)
	now := time.Now()

	// first observation is always stable
	first := store.update("chantier-1", 1, 0, now)
	assert.Equal(t, 30, first.RiskScore)
	assert.Equal(t, TrendStable, first.TrendDirection)

	// within the band: still stable, significant-change timestamp untouched
	second := store.update("chantier-1", 1, 1, now.Add(time.Hour))
	assert.Equal(t, 40, second.RiskScore)
	assert.Equal(t, TrendStable, second.TrendDirection)
	assert.Equal(t, first.LastSignificantChange, second.LastSignificantChange)

	// jump beyond the band deteriorates and stamps the change
	third := store.update("chantier-1", 3, 0, now.Add(2*time.Hour))
	assert.Equal(t, 90, third.RiskScore)
	assert.Equal(t, TrendDeteriorating, third.TrendDirection)
	assert.Equal(t, now.Add(2*time.Hour), third.LastSignificantChange)

	// drop beyond the band improves
	fourth := store.update("chantier-1", 0, 1, now.Add(3*time.Hour))
	assert.Equal(t, 10, fourth.RiskScore)
	assert.Equal(t, TrendImproving, fourth.TrendDirection)
}

func TestProfileStore_ExactBandBoundaryIsStable(t *testing.T) {
	store := newProfileStore(30, 10)
	now := time.Now()

	store.update("e1", 1, 0, now) // score 30

	// exactly +10 is inside the band
	updated := store.update("e1", 1, 1, now.Add(time.Minute)) // score 40
	assert.Equal(t, TrendStable, updated.TrendDirection)
}

func TestProfileStore_Cleanup(t *testing.T) {
	store := newProfileStore(30, 10)
	now := time.Now()

	store.update("active-old", 1, 0, now.Add(-10*24*time.Hour))
	store.update("inactive-old", 1, 0, now.Add(-10*24*time.Hour))
	store.update("inactive-recent", 1, 0, now.Add(-time.Hour))

	removed := store.cleanup(map[string]bool{"active-old": true}, now)

	assert.Equal(t, []string{"inactive-old"}, removed)

	_, stillThere := store.get("active-old")
	assert.True(t, stillThere)
	_, stillThere = store.get("inactive-recent")
	assert.True(t, stillThere)
	_, gone := store.get("inactive-old")
	assert.False(t, gone)
}

func TestProfileStore_SnapshotIsACopy(t *testing.T) {
	store := newProfileStore(30, 10)
	store.update("e1", 1, 0, time.Now())

	snapshot := store.snapshot()
	assert.Len(t, snapshot, 1)

	snapshot[0].RiskScore = 999
	profile, _ := store.get("e1")
	assert.Equal(t, 30, profile.RiskScore)
}
