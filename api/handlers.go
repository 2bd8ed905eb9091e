/*
handlers.go - HTTP API handlers for the progression engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization and boundary validation, and delegates to engine.Engine.

ENDPOINTS:
  Queries:
    GET    /api/users/{id}/standing                 Competency standing
    GET    /api/users/{id}/access/{capability}      Access decision
    GET    /api/users/{id}/milestones               Milestones (completed_at asc, nulls last)
    GET    /api/users/{id}/subscription             Effective subscription state
    GET    /api/users/{id}/events?since=RFC3339     Scored event history
    GET    /api/users/{id}/assessments              Assessment history
    GET    /api/users/{id}/audit                    Audit trail

  Intake:
    POST   /api/users/{id}/events                   Record scored event
    POST   /api/users/{id}/events/{eventID}/verify  Verify a recorded event
    POST   /api/users/{id}/assessments              Record assessment
    POST   /api/billing/events                      Apply billing event

  Milestones:
    POST   /api/users/{id}/milestones/{type}/attempt
    POST   /api/users/{id}/milestones/{type}/complete
    POST   /api/users/{id}/milestones/{type}/expire
    POST   /api/admin/milestones/expire             Sweep every user

  Catalog:
    GET    /api/levels
    GET    /api/capabilities

ERROR HANDLING:
  Errors are returned as JSON with the matching HTTP status:
  - 400: Validation errors, unknown milestone type, malformed input
  - 404: Unknown event
  - 409: Invalid state transition
  - 503: Storage unavailable (retryable)
  - 500: Anything else

  The access endpoint never fails: unknown capabilities and storage
  failures are denials with a reason.

SECURITY NOTE:
  No authentication. Deploy behind the product gateway, which resolves the
  caller to a user ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/pkg/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine

	validate *validator.Validate
	log      logger.Logger
}

// NewHandler creates a new handler over eng.
func NewHandler(eng *engine.Engine, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Engine:   eng,
		validate: validator.New(),
		log:      log,
	}
}

func userID(r *http.Request) engine.UserID {
	return engine.UserID(chi.URLParam(r, "id"))
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// GetStanding returns the computed standing for a user.
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	standing, err := h.Engine.GetStanding(r.Context(), userID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute standing", err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingDTO(standing))
}

// Evaluate returns the access decision for a capability.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	capability := engine.Capability(chi.URLParam(r, "capability"))
	decision := h.Engine.Evaluate(r.Context(), userID(r), capability)
	writeJSON(w, http.StatusOK, toAccessDecisionDTO(decision))
}

// ListMilestones returns every milestone row for a user.
func (h *Handler) ListMilestones(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Engine.ListMilestones(r.Context(), userID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list milestones", err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneDTOs(ms))
}

// GetSubscription returns the effective subscription state.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.GetSubscriptionState(r.Context(), userID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(state))
}

// ListEvents returns scored events, optionally since a point in time.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since (use RFC3339)", err)
			return
		}
		since = t
	}

	dtos := []EventDTO{}
	for e, err := range h.Engine.History(r.Context(), userID(r), since) {
		if err != nil {
			h.writeEngineError(w, r, "Failed to read events", err)
			return
		}
		dtos = append(dtos, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAssessments returns assessment history.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	dtos := []AssessmentDTO{}
	for a, err := range h.Engine.Assessments(r.Context(), userID(r)) {
		if err != nil {
			h.writeEngineError(w, r, "Failed to read assessments", err)
			return
		}
		dtos = append(dtos, toAssessmentDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit returns the audit trail for a user.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	entries, err := h.Engine.Audit(r.Context(), engine.AuditFilter{UserID: &id})
	if err != nil {
		h.writeEngineError(w, r, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryDTOs(entries))
}

// ListLevels returns the configured level table.
func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toLevelDTOs(h.Engine.Levels()))
}

// ListCapabilities returns every capability with a rule.
func (h *Handler) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCapabilityNames(h.Engine.Capabilities()))
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// RecordEvent appends a scored event.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	multiplier, err := decimal.NewFromString(req.ImpactMultiplier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid impact_multiplier", err)
		return
	}
	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
		return
	}

	id, err := h.Engine.RecordEvent(r.Context(), engine.ScoredEvent{
		ID:               engine.EventID(req.ID),
		UserID:           userID(r),
		Category:         engine.Category(req.Category),
		BasePoints:       req.BasePoints,
		ImpactMultiplier: multiplier,
		OccurredAt:       occurredAt,
		Verified:         req.Verified,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to record event", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedResponse{ID: string(id)})
}

// VerifyEvent marks a recorded event verified.
func (h *Handler) VerifyEvent(w http.ResponseWriter, r *http.Request) {
	var req VerifyEventRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	at, ok := parseOptionalTime(w, "verified_at", req.VerifiedAt)
	if !ok {
		return
	}

	eventID := engine.EventID(chi.URLParam(r, "eventID"))
	if err := h.Engine.VerifyEvent(r.Context(), userID(r), eventID, at); err != nil {
		h.writeEngineError(w, r, "Failed to verify event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordAssessment appends an assessment.
func (h *Handler) RecordAssessment(w http.ResponseWriter, r *http.Request) {
	var req RecordAssessmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	takenAt, err := time.Parse(time.RFC3339, req.TakenAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid taken_at (use RFC3339)", err)
		return
	}

	scores := make(map[engine.Dimension]*int, len(req.Scores))
	for d, s := range req.Scores {
		scores[engine.Dimension(d)] = s
	}

	id, err := h.Engine.RecordAssessment(r.Context(), engine.AssessmentRecord{
		ID:      engine.AssessmentID(req.ID),
		UserID:  userID(r),
		TakenAt: takenAt,
		Kind:    engine.AssessmentKind(req.Kind),
		Scores:  scores,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to record assessment", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedResponse{ID: string(id)})
}

// ApplyBillingEvent applies a normalized billing event.
func (h *Handler) ApplyBillingEvent(w http.ResponseWriter, r *http.Request) {
	var req BillingEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	effectiveAt, ok := parseOptionalTime(w, "effective_at", req.EffectiveAt)
	if !ok {
		return
	}
	endsAt, ok := parseOptionalTime(w, "ends_at", req.EndsAt)
	if !ok {
		return
	}

	state, err := h.Engine.ApplyBillingEvent(r.Context(), engine.BillingEvent{
		UserID:      engine.UserID(req.UserID),
		Kind:        engine.BillingEventKind(req.Kind),
		EffectiveAt: effectiveAt,
		EndsAt:      endsAt,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to apply billing event", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(state))
}

// =============================================================================
// MILESTONE HANDLERS
// =============================================================================

func milestoneType(w http.ResponseWriter, r *http.Request) (engine.MilestoneType, bool) {
	typ, err := engine.ParseMilestoneType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown milestone type", err)
		return "", false
	}
	return typ, true
}

// RecordMilestoneAttempt ensures a pending row exists.
func (h *Handler) RecordMilestoneAttempt(w http.ResponseWriter, r *http.Request) {
	typ, ok := milestoneType(w, r)
	if !ok {
		return
	}
	m, err := h.Engine.RecordMilestoneAttempt(r.Context(), userID(r), typ)
	if err != nil {
		h.writeEngineError(w, r, "Failed to record attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneDTO(m))
}

// CompleteMilestone completes a milestone. Completing twice returns the
// original completion.
func (h *Handler) CompleteMilestone(w http.ResponseWriter, r *http.Request) {
	typ, ok := milestoneType(w, r)
	if !ok {
		return
	}
	var req CompleteMilestoneRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	at, ok := parseOptionalTime(w, "completed_at", req.CompletedAt)
	if !ok {
		return
	}

	m, err := h.Engine.CompleteMilestone(r.Context(), userID(r), typ, at, req.Metadata)
	if err != nil {
		h.writeEngineError(w, r, "Failed to complete milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneDTO(m))
}

// ExpireMilestone expires one milestone if its deadline has passed.
func (h *Handler) ExpireMilestone(w http.ResponseWriter, r *http.Request) {
	typ, ok := milestoneType(w, r)
	if !ok {
		return
	}
	m, expired, err := h.Engine.ExpireMilestone(r.Context(), userID(r), typ)
	if err != nil {
		h.writeEngineError(w, r, "Failed to expire milestone", err)
		return
	}
	resp := ExpireResponse{Expired: expired}
	if m.Type != "" {
		dto := toMilestoneDTO(m)
		resp.Milestone = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// SweepExpired expires every overdue milestone across users.
func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	expired, err := h.Engine.ExpireDue(r.Context(), "")
	if err != nil {
		h.writeEngineError(w, r, "Failed to sweep milestones", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Expired: len(expired) > 0, Count: len(expired)})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs struct validation. It writes
// the 400 response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func parseOptionalTime(w http.ResponseWriter, field, s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+field+" (use RFC3339)", err)
		return time.Time{}, false
	}
	return t, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case engine.IsClientError(err):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case engine.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(r.Context(), message,
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
