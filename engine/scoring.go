/*
scoring.go - Competency standing derived from history

PURPOSE:
  Turns a user's scored events (and assessments) into a CompetencyStanding.
  The standing is never stored as a source of truth. It is replayed from
  history every time, so it is always reproducible and auditable.

FORMULA:
  total_points   = SUM(base_points x impact_multiplier) over VERIFIED events
  current_level  = highest level whose threshold <= total_points
  previous_level = level of total_points minus the most recent event's
                   contribution (detects level-up transitions)

DETERMINISM:
  The same history always yields the same standing. ComputedAt is the
  OccurredAt of the most recent event, never the wall clock.

LEVEL TABLE:
  Thresholds and names are configuration. A table must be non-empty,
  strictly increasing and have unique names. Totals below the first
  threshold classify as the lowest level.

EXAMPLE:
  levels: [(0, "Foundation"), (500, "Intermediate")]
  events: 100 x 1.5 (verified), 250 x 1.6 (verified)
  total:  150 + 400 = 550 -> "Intermediate", previous "Foundation"

CACHING:
  StandingCache memoizes standings per user. Every history change bumps a
  per-user generation; entries from an older generation are never served,
  so a cached standing is recomputed rather than patched.

SEE ALSO:
  - events.go: Source of history
  - access.go: Compares levels via LevelTable.Rank
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/warp/progression-engine/metrics"
)

// =============================================================================
// LEVEL TABLE
// =============================================================================

type Level struct {
	Threshold decimal.Decimal
	Name      string
}

// LevelTable is an ordered set of (threshold, name) pairs.
type LevelTable struct {
	levels []Level
}

// NewLevelTable validates and sorts levels by threshold.
func NewLevelTable(levels ...Level) (LevelTable, error) {
	if len(levels) == 0 {
		return LevelTable{}, fmt.Errorf("%w: no levels defined", ErrInvalidLevelTable)
	}
	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold.LessThan(sorted[j].Threshold)
	})

	names := make(map[string]bool, len(sorted))
	for i, l := range sorted {
		if l.Name == "" {
			return LevelTable{}, fmt.Errorf("%w: level %d has no name", ErrInvalidLevelTable, i)
		}
		if names[l.Name] {
			return LevelTable{}, fmt.Errorf("%w: duplicate level %q", ErrInvalidLevelTable, l.Name)
		}
		names[l.Name] = true
		if l.Threshold.IsNegative() {
			return LevelTable{}, fmt.Errorf("%w: negative threshold for %q", ErrInvalidLevelTable, l.Name)
		}
		if i > 0 && !l.Threshold.GreaterThan(sorted[i-1].Threshold) {
			return LevelTable{}, fmt.Errorf("%w: thresholds of %q and %q are not increasing",
				ErrInvalidLevelTable, sorted[i-1].Name, l.Name)
		}
	}
	return LevelTable{levels: sorted}, nil
}

// MustLevelTable is NewLevelTable for static tables; it panics on error.
func MustLevelTable(levels ...Level) LevelTable {
	t, err := NewLevelTable(levels...)
	if err != nil {
		panic(err)
	}
	return t
}

// Levels returns a copy of the table in ascending threshold order.
func (t LevelTable) Levels() []Level {
	out := make([]Level, len(t.levels))
	copy(out, t.levels)
	return out
}

func (t LevelTable) IsZero() bool { return len(t.levels) == 0 }

func (t LevelTable) Lowest() Level {
	if len(t.levels) == 0 {
		return Level{}
	}
	return t.levels[0]
}

// Classify returns the name of the highest level whose threshold is <= points.
func (t LevelTable) Classify(points decimal.Decimal) string {
	if len(t.levels) == 0 {
		return ""
	}
	name := t.levels[0].Name
	for _, l := range t.levels {
		if l.Threshold.GreaterThan(points) {
			break
		}
		name = l.Name
	}
	return name
}

// Rank returns the position of the named level (0 = lowest).
func (t LevelTable) Rank(name string) (int, bool) {
	for i, l := range t.levels {
		if l.Name == name {
			return i, true
		}
	}
	return 0, false
}

// =============================================================================
// COMPETENCY STANDING - Derived, never stored
// =============================================================================

type CompetencyStanding struct {
	UserID        UserID
	TotalPoints   decimal.Decimal
	CurrentLevel  string
	PreviousLevel string
	ComputedAt    time.Time

	PointsByCategory map[Category]decimal.Decimal
	EventCount       int
	VerifiedCount    int

	AssessmentCount  int
	LatestAssessment *AssessmentRecord
}

// LevelChanged reports whether the most recent event moved the user to a new level.
func (s CompetencyStanding) LevelChanged() bool {
	return s.CurrentLevel != s.PreviousLevel
}

// ComputeStanding replays events and assessments into a standing. Input order
// does not matter: events are ordered by OccurredAt, RecordedAt and ID first.
func ComputeStanding(userID UserID, events []ScoredEvent, assessments []AssessmentRecord, levels LevelTable) CompetencyStanding {
	ordered := make([]ScoredEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return eventLess(ordered[i], ordered[j])
	})

	standing := CompetencyStanding{
		UserID:           userID,
		TotalPoints:      decimal.Zero,
		PointsByCategory: make(map[Category]decimal.Decimal, len(Categories())),
		EventCount:       len(ordered),
	}
	for _, c := range Categories() {
		standing.PointsByCategory[c] = decimal.Zero
	}

	for _, e := range ordered {
		contribution := e.Contribution()
		if e.Verified {
			standing.VerifiedCount++
		}
		standing.TotalPoints = standing.TotalPoints.Add(contribution)
		standing.PointsByCategory[e.Category] = standing.PointsByCategory[e.Category].Add(contribution)
	}

	standing.CurrentLevel = levels.Classify(standing.TotalPoints)
	standing.PreviousLevel = standing.CurrentLevel
	if n := len(ordered); n > 0 {
		last := ordered[n-1]
		standing.ComputedAt = last.OccurredAt
		standing.PreviousLevel = levels.Classify(standing.TotalPoints.Sub(last.Contribution()))
	}

	standing.AssessmentCount = len(assessments)
	for i := range assessments {
		a := assessments[i]
		if standing.LatestAssessment == nil || assessmentLess(*standing.LatestAssessment, a) {
			standing.LatestAssessment = &a
		}
	}
	return standing
}

func eventLess(a, b ScoredEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.Before(b.RecordedAt)
	}
	return a.ID < b.ID
}

func assessmentLess(a, b AssessmentRecord) bool {
	if !a.TakenAt.Equal(b.TakenAt) {
		return a.TakenAt.Before(b.TakenAt)
	}
	return a.ID < b.ID
}

// =============================================================================
// STANDING CACHE - Generation-checked memoization
// =============================================================================

type cachedStanding struct {
	generation uint64
	valid      bool
	standing   CompetencyStanding
}

// StandingCache holds recently computed standings. It is safe for concurrent use.
//
// Generations come from one counter shared by all users and live inside
// the LRU entries, so memory stays bounded by size. An evicted user falls
// back to floor, the highest generation ever evicted, which is never lower
// than the generation the user had before eviction.
type StandingCache struct {
	mu      sync.Mutex
	epoch   uint64
	floor   uint64
	entries *lru.Cache[UserID, cachedStanding]
}

func NewStandingCache(size int) (*StandingCache, error) {
	c := &StandingCache{}
	entries, err := lru.NewWithEvict[UserID, cachedStanding](size, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("standing cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// evicted runs inside Add while c.mu is held.
func (c *StandingCache) evicted(_ UserID, entry cachedStanding) {
	if entry.generation > c.floor {
		c.floor = entry.generation
	}
}

// Len reports how many users the cache currently tracks.
func (c *StandingCache) Len() int {
	return c.entries.Len()
}

// Generation returns the user's current history generation.
func (c *StandingCache) Generation(userID UserID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation(userID)
}

func (c *StandingCache) generation(userID UserID) uint64 {
	if entry, ok := c.entries.Peek(userID); ok {
		return entry.generation
	}
	return c.floor
}

// Invalidate drops the cached standing and advances the generation so that
// in-flight computations started earlier cannot repopulate it.
func (c *StandingCache) Invalidate(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Add(userID, cachedStanding{generation: c.epoch})
}

func (c *StandingCache) Get(userID UserID) (CompetencyStanding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(userID)
	if !ok || !entry.valid {
		return CompetencyStanding{}, false
	}
	return entry.standing, true
}

// Put stores s if generation is still current.
func (c *StandingCache) Put(userID UserID, generation uint64, s CompetencyStanding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation(userID) {
		return false
	}
	c.entries.Add(userID, cachedStanding{generation: generation, valid: true, standing: s})
	return true
}

// =============================================================================
// SCORER - Reads history, computes, optionally caches
// =============================================================================

type Scorer struct {
	log    *EventLog
	levels LevelTable
	cache  *StandingCache
	group  singleflight.Group
}

// NewScorer builds a scorer over log. cache may be nil, in which case every
// call recomputes from history.
func NewScorer(log *EventLog, levels LevelTable, cache *StandingCache) *Scorer {
	s := &Scorer{log: log, levels: levels, cache: cache}
	if cache != nil {
		log.OnChange(cache.Invalidate)
	}
	return s
}

func (s *Scorer) Levels() LevelTable { return s.levels }

// Standing returns the user's current standing.
func (s *Scorer) Standing(ctx context.Context, userID UserID) (CompetencyStanding, error) {
	if s.cache == nil {
		return s.compute(ctx, userID)
	}
	if cached, ok := s.cache.Get(userID); ok {
		metrics.RecordStandingCacheHit()
		return cached, nil
	}
	metrics.RecordStandingCacheMiss()

	generation := s.cache.Generation(userID)
	key := fmt.Sprintf("%s#%d", userID, generation)
	v, err, _ := s.group.Do(key, func() (any, error) {
		standing, err := s.compute(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.cache.Put(userID, generation, standing)
		return standing, nil
	})
	if err != nil {
		return CompetencyStanding{}, err
	}
	return v.(CompetencyStanding), nil
}

func (s *Scorer) compute(ctx context.Context, userID UserID) (CompetencyStanding, error) {
	start := time.Now()
	events, err := Collect(s.log.History(ctx, userID, time.Time{}))
	if err != nil {
		return CompetencyStanding{}, err
	}
	assessments, err := Collect(s.log.Assessments(ctx, userID))
	if err != nil {
		return CompetencyStanding{}, err
	}
	standing := ComputeStanding(userID, events, assessments, s.levels)
	metrics.ObserveStandingCompute(time.Since(start))
	return standing, nil
}
