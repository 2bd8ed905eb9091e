/*
Package engine provides the progression and access-gating engine.

PURPOSE:
  This package holds the decision logic of the coaching platform: it records
  scored actions and assessments, derives a user's competency standing from
  that history, tracks once-only milestones, follows the subscription
  lifecycle, and answers "may user U use capability C right now?".

KEY CONCEPTS IN THIS FILE (types.go):
  - ScoredEvent: An immutable record of a scored action (points x multiplier)
  - AssessmentRecord: An immutable assessment submission with per-dimension scores
  - Category / AssessmentKind / Dimension: Closed enumerations
  - UserID / EventID / AssessmentID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified. Verification is a separate fact.
  2. Precision: Points use decimal.Decimal so multipliers never drift
  3. Derivation: Standing is always replayed from history, never stored
  4. Closed sets: Enumerations reject unknown values at the boundary

USAGE:
  log := engine.NewEventLog(store.NewMemory())
  id, err := log.Append(ctx, engine.ScoredEvent{
      UserID:           "user-1",
      Category:         engine.CategoryBuyerAnalysis,
      BasePoints:       100,
      ImpactMultiplier: decimal.RequireFromString("1.5"),
      OccurredAt:       time.Now(),
      Verified:         true,
  })

SEE ALSO:
  - events.go: Event log (append, history, verification)
  - scoring.go: Standing derivation
  - milestone.go, subscription.go, access.go: State machines and gating
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EventID string
type AssessmentID string

// =============================================================================
// CATEGORY - Closed set of scored action categories
// =============================================================================

type Category string

const (
	CategoryBuyerAnalysis      Category = "buyer-analysis"
	CategoryValueCommunication Category = "value-communication"
	CategorySalesExecution     Category = "sales-execution"
)

// Categories lists every known category in display order.
func Categories() []Category {
	return []Category{CategoryBuyerAnalysis, CategoryValueCommunication, CategorySalesExecution}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryBuyerAnalysis, CategoryValueCommunication, CategorySalesExecution:
		return true
	}
	return false
}

// =============================================================================
// SCORED EVENT - Immutable record of a scored action
// =============================================================================

type ScoredEvent struct {
	ID               EventID
	UserID           UserID
	Category         Category
	BasePoints       int64
	ImpactMultiplier decimal.Decimal
	OccurredAt       time.Time
	Verified         bool

	// Set when verification arrived after the event was recorded.
	VerifiedAt *time.Time

	// RecordedAt is assigned by the store and breaks OccurredAt ties.
	RecordedAt time.Time
}

// Points returns base_points x impact_multiplier, ignoring verification.
func (e ScoredEvent) Points() decimal.Decimal {
	return decimal.NewFromInt(e.BasePoints).Mul(e.ImpactMultiplier)
}

// Contribution returns what the event adds to a standing: its points when
// verified, zero otherwise.
func (e ScoredEvent) Contribution() decimal.Decimal {
	if !e.Verified {
		return decimal.Zero
	}
	return e.Points()
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

type AssessmentKind string

const (
	AssessmentBaseline  AssessmentKind = "baseline"
	AssessmentProgress  AssessmentKind = "progress"
	AssessmentRetake    AssessmentKind = "retake"
	AssessmentMilestone AssessmentKind = "milestone"
)

func (k AssessmentKind) Valid() bool {
	switch k {
	case AssessmentBaseline, AssessmentProgress, AssessmentRetake, AssessmentMilestone:
		return true
	}
	return false
}

// Dimension names one scored axis of an assessment.
type Dimension string

const (
	DimensionBuyerAnalysis      Dimension = "buyer_analysis"
	DimensionValueCommunication Dimension = "value_communication"
	DimensionSalesExecution     Dimension = "sales_execution"
	DimensionDiscovery          Dimension = "discovery"
	DimensionObjectionHandling  Dimension = "objection_handling"
)

func (d Dimension) Valid() bool {
	switch d {
	case DimensionBuyerAnalysis, DimensionValueCommunication, DimensionSalesExecution,
		DimensionDiscovery, DimensionObjectionHandling:
		return true
	}
	return false
}

const (
	MinDimensionScore = 0
	MaxDimensionScore = 100
)

// AssessmentRecord is an immutable assessment submission. A nil score means
// the dimension was not assessed.
type AssessmentRecord struct {
	ID           AssessmentID
	UserID       UserID
	TakenAt      time.Time
	Kind         AssessmentKind
	Scores       map[Dimension]*int
	OverallScore decimal.Decimal
	RecordedAt   time.Time
}

// ComputeOverall averages the non-null dimension scores. Returns false when
// no dimension was scored.
func ComputeOverall(scores map[Dimension]*int) (decimal.Decimal, bool) {
	sum := decimal.Zero
	n := int64(0)
	for _, s := range scores {
		if s == nil {
			continue
		}
		sum = sum.Add(decimal.NewFromInt(int64(*s)))
		n++
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(n)).Round(2), true
}
