package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoringBase = time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)

func ev(id string, base int64, mult string, verified bool, offset time.Duration) ScoredEvent {
	return ScoredEvent{
		ID:               EventID(id),
		UserID:           "u1",
		Category:         CategorySalesExecution,
		BasePoints:       base,
		ImpactMultiplier: decimal.RequireFromString(mult),
		OccurredAt:       scoringBase.Add(offset),
		Verified:         verified,
	}
}

func thresholds() LevelTable {
	return MustLevelTable(
		Level{Threshold: decimal.Zero, Name: "Foundation"},
		Level{Threshold: decimal.NewFromInt(500), Name: "Intermediate"},
	)
}

// =============================================================================
// LEVEL TABLE
// =============================================================================

func TestLevelTable_RejectsInvalidTables(t *testing.T) {
	cases := map[string][]Level{
		"empty":          nil,
		"missing name":   {{Threshold: decimal.Zero}},
		"duplicate name": {{Threshold: decimal.Zero, Name: "A"}, {Threshold: decimal.NewFromInt(10), Name: "A"}},
		"equal":          {{Threshold: decimal.Zero, Name: "A"}, {Threshold: decimal.Zero, Name: "B"}},
		"negative":       {{Threshold: decimal.NewFromInt(-1), Name: "A"}},
	}
	for name, levels := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLevelTable(levels...)
			assert.ErrorIs(t, err, ErrInvalidLevelTable)
		})
	}
}

func TestLevelTable_SortsAndClassifies(t *testing.T) {
	table, err := NewLevelTable(
		Level{Threshold: decimal.NewFromInt(1500), Name: "Advanced"},
		Level{Threshold: decimal.NewFromInt(100), Name: "Foundation"},
		Level{Threshold: decimal.NewFromInt(500), Name: "Intermediate"},
	)
	require.NoError(t, err)

	assert.Equal(t, "Foundation", table.Lowest().Name)
	assert.Equal(t, "Foundation", table.Classify(decimal.Zero), "below every threshold is the lowest level")
	assert.Equal(t, "Foundation", table.Classify(decimal.RequireFromString("499.99")))
	assert.Equal(t, "Intermediate", table.Classify(decimal.NewFromInt(500)))
	assert.Equal(t, "Advanced", table.Classify(decimal.NewFromInt(100000)))

	rank, ok := table.Rank("Advanced")
	assert.True(t, ok)
	assert.Equal(t, 2, rank)
	_, ok = table.Rank("Legend")
	assert.False(t, ok)
}

// =============================================================================
// COMPUTE STANDING
// =============================================================================

func TestComputeStanding_ThresholdScenario(t *testing.T) {
	// GIVEN: Two verified events worth 150 and 400
	// WHEN: Computing the standing against [(0, Foundation), (500, Intermediate)]
	// THEN: Total is 550 and the user is Intermediate, previously Foundation

	events := []ScoredEvent{
		ev("e1", 100, "1.5", true, 0),
		ev("e2", 250, "1.6", true, time.Hour),
	}
	s := ComputeStanding("u1", events, nil, thresholds())

	assert.True(t, s.TotalPoints.Equal(decimal.NewFromInt(550)), "got %s", s.TotalPoints)
	assert.Equal(t, "Intermediate", s.CurrentLevel)
	assert.Equal(t, "Foundation", s.PreviousLevel)
	assert.True(t, s.LevelChanged())
	assert.Equal(t, scoringBase.Add(time.Hour), s.ComputedAt)
	assert.Equal(t, 2, s.VerifiedCount)
	assert.True(t, s.PointsByCategory[CategorySalesExecution].Equal(decimal.NewFromInt(550)))
}

func TestComputeStanding_UnverifiedContributesNothing(t *testing.T) {
	events := []ScoredEvent{ev("e1", 1000, "3.0", false, 0)}

	before := ComputeStanding("u1", events, nil, thresholds())
	assert.True(t, before.TotalPoints.IsZero())
	assert.Equal(t, "Foundation", before.CurrentLevel)
	assert.Equal(t, 1, before.EventCount)
	assert.Equal(t, 0, before.VerifiedCount)

	events[0].Verified = true
	after := ComputeStanding("u1", events, nil, thresholds())
	assert.True(t, after.TotalPoints.Equal(decimal.NewFromInt(3000)))
	assert.Equal(t, "Intermediate", after.CurrentLevel)
}

func TestComputeStanding_Deterministic(t *testing.T) {
	// GIVEN: The same history in two different input orders
	// THEN: Standings are identical

	a := []ScoredEvent{
		ev("e1", 100, "1.1", true, 0),
		ev("e2", 300, "2.0", true, 2*time.Hour),
		ev("e3", 50, "1.0", false, time.Hour),
		ev("e4", 75, "1.3", true, time.Hour),
	}
	b := []ScoredEvent{a[3], a[1], a[0], a[2]}

	s1 := ComputeStanding("u1", a, nil, thresholds())
	s2 := ComputeStanding("u1", b, nil, thresholds())
	s3 := ComputeStanding("u1", a, nil, thresholds())

	assert.Equal(t, s1, s2)
	assert.Equal(t, s1, s3)
}

func TestComputeStanding_EmptyHistory(t *testing.T) {
	s := ComputeStanding("u1", nil, nil, thresholds())

	assert.True(t, s.TotalPoints.IsZero())
	assert.Equal(t, "Foundation", s.CurrentLevel)
	assert.Equal(t, "Foundation", s.PreviousLevel)
	assert.True(t, s.ComputedAt.IsZero())
	assert.Nil(t, s.LatestAssessment)
}

func TestComputeStanding_PreviousLevelIgnoresUnverifiedTail(t *testing.T) {
	// The most recent event is unverified so it cannot have caused a level change.
	events := []ScoredEvent{
		ev("e1", 600, "1.0", true, 0),
		ev("e2", 10, "1.0", false, time.Hour),
	}
	s := ComputeStanding("u1", events, nil, thresholds())
	assert.Equal(t, "Intermediate", s.CurrentLevel)
	assert.Equal(t, "Intermediate", s.PreviousLevel)
	assert.False(t, s.LevelChanged())
}

func TestComputeStanding_LatestAssessment(t *testing.T) {
	score := 70
	assessments := []AssessmentRecord{
		{ID: "a2", TakenAt: scoringBase.Add(48 * time.Hour), Kind: AssessmentProgress, Scores: map[Dimension]*int{DimensionDiscovery: &score}},
		{ID: "a1", TakenAt: scoringBase, Kind: AssessmentBaseline},
	}
	s := ComputeStanding("u1", nil, assessments, thresholds())

	assert.Equal(t, 2, s.AssessmentCount)
	require.NotNil(t, s.LatestAssessment)
	assert.Equal(t, AssessmentID("a2"), s.LatestAssessment.ID)
}

func TestComputeOverall(t *testing.T) {
	a, b := 70, 85
	overall, ok := ComputeOverall(map[Dimension]*int{
		DimensionBuyerAnalysis:      &a,
		DimensionValueCommunication: &b,
		DimensionSalesExecution:     nil,
	})
	assert.True(t, ok)
	assert.True(t, overall.Equal(decimal.RequireFromString("77.5")))

	_, ok = ComputeOverall(map[Dimension]*int{DimensionDiscovery: nil})
	assert.False(t, ok)
}

// =============================================================================
// STANDING CACHE
// =============================================================================

func TestStandingCache_StaleGenerationNeverServed(t *testing.T) {
	// GIVEN: A computation started before an invalidation
	// WHEN: It tries to store its result afterwards
	// THEN: The stale result is refused

	cache, err := NewStandingCache(8)
	require.NoError(t, err)

	gen := cache.Generation("u1")
	cache.Invalidate("u1")

	stored := cache.Put("u1", gen, CompetencyStanding{UserID: "u1", CurrentLevel: "Stale"})
	assert.False(t, stored)
	_, ok := cache.Get("u1")
	assert.False(t, ok)

	assert.True(t, cache.Put("u1", cache.Generation("u1"), CompetencyStanding{UserID: "u1", CurrentLevel: "Fresh"}))
	got, ok := cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "Fresh", got.CurrentLevel)
}

func TestStandingCache_StaysBoundedAcrossManyUsers(t *testing.T) {
	cache, err := NewStandingCache(4)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		cache.Invalidate(UserID(fmt.Sprintf("user-%d", i)))
	}
	assert.Equal(t, 4, cache.Len())
}

func TestStandingCache_EvictionDoesNotRevertGeneration(t *testing.T) {
	// GIVEN: A computation for u1 that started before u1 was invalidated
	// WHEN: u1 is pushed out of the cache before the computation stores
	// THEN: The stale result is still refused

	cache, err := NewStandingCache(2)
	require.NoError(t, err)

	gen := cache.Generation("u1")
	cache.Invalidate("u1")
	cache.Invalidate("u2")
	cache.Invalidate("u3")

	assert.False(t, cache.Put("u1", gen, CompetencyStanding{UserID: "u1", CurrentLevel: "Stale"}))
	_, ok := cache.Get("u1")
	assert.False(t, ok)

	assert.True(t, cache.Put("u1", cache.Generation("u1"), CompetencyStanding{UserID: "u1", CurrentLevel: "Fresh"}))
	got, ok := cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "Fresh", got.CurrentLevel)
}

func TestStandingCache_RejectsNonPositiveSize(t *testing.T) {
	_, err := NewStandingCache(0)
	assert.Error(t, err)
}
