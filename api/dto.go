/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  validate.Struct before converting to engine types; the engine then
  applies its own domain checks (categories, dimension ranges, ...).

TIMES:
  All timestamps are RFC3339 strings in UTC. Points and scores are decimal
  strings so no precision is lost in JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"sort"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordEventRequest is a scored action submitted by an upstream system.
type RecordEventRequest struct {
	ID               string `json:"id,omitempty" validate:"omitempty,max=128"`
	Category         string `json:"category" validate:"required"`
	BasePoints       int64  `json:"base_points" validate:"gte=0"`
	ImpactMultiplier string `json:"impact_multiplier" validate:"required,numeric"`
	OccurredAt       string `json:"occurred_at" validate:"required"`
	Verified         bool   `json:"verified"`
}

// VerifyEventRequest optionally back-dates a verification.
type VerifyEventRequest struct {
	VerifiedAt string `json:"verified_at,omitempty"`
}

// RecordAssessmentRequest is an assessment submission. Scores are keyed by
// dimension; null means not assessed.
type RecordAssessmentRequest struct {
	ID      string          `json:"id,omitempty" validate:"omitempty,max=128"`
	Kind    string          `json:"kind" validate:"required"`
	TakenAt string          `json:"taken_at" validate:"required"`
	Scores  map[string]*int `json:"scores" validate:"required,min=1"`
}

// CompleteMilestoneRequest completes a milestone, optionally at a given time.
type CompleteMilestoneRequest struct {
	CompletedAt string            `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// BillingEventRequest is a normalized billing event.
type BillingEventRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Kind        string `json:"kind" validate:"required,oneof=trial_started activated past_due cancelled"`
	EffectiveAt string `json:"effective_at,omitempty"`
	EndsAt      string `json:"ends_at,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StandingDTO represents a computed competency standing.
type StandingDTO struct {
	UserID           string            `json:"user_id"`
	TotalPoints      string            `json:"total_points"`
	CurrentLevel     string            `json:"current_level"`
	PreviousLevel    string            `json:"previous_level"`
	LevelChanged     bool              `json:"level_changed"`
	PointsByCategory map[string]string `json:"points_by_category"`
	EventCount       int               `json:"event_count"`
	VerifiedCount    int               `json:"verified_count"`
	AssessmentCount  int               `json:"assessment_count"`
	LatestAssessment *AssessmentDTO    `json:"latest_assessment,omitempty"`
	ComputedAt       string            `json:"computed_at"`
}

// AccessDecisionDTO is the answer to "may this user use this capability?".
type AccessDecisionDTO struct {
	UserID     string `json:"user_id"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// MilestoneDTO represents one milestone row.
type MilestoneDTO struct {
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at"`
	CompletedAt *string           `json:"completed_at"`
	ExpiredAt   *string           `json:"expired_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SubscriptionDTO represents the effective subscription state.
type SubscriptionDTO struct {
	UserID           string  `json:"user_id"`
	Status           string  `json:"status"`
	TrialEndAt       *string `json:"trial_end_at,omitempty"`
	CurrentPeriodEnd *string `json:"current_period_end,omitempty"`
	CancelAt         *string `json:"cancel_at,omitempty"`
	PastDueSince     *string `json:"past_due_since,omitempty"`
	UpdatedAt        string  `json:"updated_at,omitempty"`
}

// EventDTO represents a scored event in history.
type EventDTO struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	Category         string  `json:"category"`
	BasePoints       int64   `json:"base_points"`
	ImpactMultiplier string  `json:"impact_multiplier"`
	Points           string  `json:"points"`
	OccurredAt       string  `json:"occurred_at"`
	Verified         bool    `json:"verified"`
	VerifiedAt       *string `json:"verified_at,omitempty"`
}

// AssessmentDTO represents an assessment record.
type AssessmentDTO struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         string          `json:"kind"`
	TakenAt      string          `json:"taken_at"`
	Scores       map[string]*int `json:"scores"`
	OverallScore string          `json:"overall_score"`
}

// AuditEntryDTO represents one audit log row.
type AuditEntryDTO struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	UserID    string            `json:"user_id"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// LevelDTO is one row of the level table.
type LevelDTO struct {
	Name      string `json:"name"`
	Threshold string `json:"threshold"`
}

// RecordedResponse returns the ID assigned to an appended record.
type RecordedResponse struct {
	ID string `json:"id"`
}

// ExpireResponse reports the outcome of an expiry request.
type ExpireResponse struct {
	Expired   bool          `json:"expired"`
	Milestone *MilestoneDTO `json:"milestone,omitempty"`
	Count     int           `json:"count,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toStandingDTO(s engine.CompetencyStanding) StandingDTO {
	dto := StandingDTO{
		UserID:           string(s.UserID),
		TotalPoints:      s.TotalPoints.String(),
		CurrentLevel:     s.CurrentLevel,
		PreviousLevel:    s.PreviousLevel,
		LevelChanged:     s.LevelChanged(),
		PointsByCategory: make(map[string]string, len(s.PointsByCategory)),
		EventCount:       s.EventCount,
		VerifiedCount:    s.VerifiedCount,
		AssessmentCount:  s.AssessmentCount,
		ComputedAt:       formatTime(s.ComputedAt),
	}
	for c, p := range s.PointsByCategory {
		dto.PointsByCategory[string(c)] = p.String()
	}
	if s.LatestAssessment != nil {
		a := toAssessmentDTO(*s.LatestAssessment)
		dto.LatestAssessment = &a
	}
	return dto
}

func toAccessDecisionDTO(d engine.AccessDecision) AccessDecisionDTO {
	return AccessDecisionDTO{
		UserID:     string(d.UserID),
		Capability: string(d.Capability),
		Allowed:    d.Allowed,
		Reason:     string(d.Reason),
		Detail:     d.Detail,
	}
}

func toMilestoneDTO(m engine.Milestone) MilestoneDTO {
	return MilestoneDTO{
		UserID:      string(m.UserID),
		Type:        string(m.Type),
		Status:      string(m.Status),
		CreatedAt:   formatTime(m.CreatedAt),
		CompletedAt: formatTimePtr(m.CompletedAt),
		ExpiredAt:   formatTimePtr(m.ExpiredAt),
		Metadata:    m.Metadata,
	}
}

func toMilestoneDTOs(ms []engine.Milestone) []MilestoneDTO {
	dtos := make([]MilestoneDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMilestoneDTO(m)
	}
	return dtos
}

func toSubscriptionDTO(s engine.SubscriptionState) SubscriptionDTO {
	dto := SubscriptionDTO{
		UserID:           string(s.UserID),
		Status:           string(s.Status),
		TrialEndAt:       formatTimePtr(s.TrialEndAt),
		CurrentPeriodEnd: formatTimePtr(s.CurrentPeriodEnd),
		CancelAt:         formatTimePtr(s.CancelAt),
		PastDueSince:     formatTimePtr(s.PastDueSince),
	}
	if !s.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(s.UpdatedAt)
	}
	return dto
}

func toEventDTO(e engine.ScoredEvent) EventDTO {
	return EventDTO{
		ID:               string(e.ID),
		UserID:           string(e.UserID),
		Category:         string(e.Category),
		BasePoints:       e.BasePoints,
		ImpactMultiplier: e.ImpactMultiplier.String(),
		Points:           e.Points().String(),
		OccurredAt:       formatTime(e.OccurredAt),
		Verified:         e.Verified,
		VerifiedAt:       formatTimePtr(e.VerifiedAt),
	}
}

func toAssessmentDTO(a engine.AssessmentRecord) AssessmentDTO {
	dto := AssessmentDTO{
		ID:           string(a.ID),
		UserID:       string(a.UserID),
		Kind:         string(a.Kind),
		TakenAt:      formatTime(a.TakenAt),
		Scores:       make(map[string]*int, len(a.Scores)),
		OverallScore: a.OverallScore.String(),
	}
	for d, s := range a.Scores {
		dto.Scores[string(d)] = s
	}
	return dto
}

func toAuditEntryDTOs(entries []engine.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: formatTime(e.Timestamp),
			UserID:    string(e.UserID),
			Action:    string(e.Action),
			Subject:   e.Subject,
			From:      e.From,
			To:        e.To,
			Payload:   e.Payload,
		}
	}
	return dtos
}

func toLevelDTOs(t engine.LevelTable) []LevelDTO {
	levels := t.Levels()
	dtos := make([]LevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = LevelDTO{Name: l.Name, Threshold: l.Threshold.String()}
	}
	return dtos
}

func toCapabilityNames(cs []engine.Capability) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	sort.Strings(out)
	return out
}
