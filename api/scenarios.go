/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	users for demos and integration tests. Each scenario drives the public
	engine operations (billing events, scored events, assessments,
	milestones) exactly as upstream systems would.

AVAILABLE SCENARIOS:

	trial-rep:           Fresh trial user with one verified action
	active-intermediate: Paying user at Intermediate with a baseline assessment
	expert-closer:       Paying Expert with onboarding done
	deferred-cancel:     Paying user who cancelled at period end
	past-due:            Paying user whose last payment failed

HOW SCENARIOS WORK:
 1. Each scenario owns a fixed demo user ID (demo-<scenario>)
 2. Billing events set up the subscription
 3. Scored events and assessments build the standing
 4. Reactions and direct commands complete milestones

	A scenario loads once per process lifetime of its store: loading it
	again is rejected with 409 because the demo user already has a
	subscription.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "expert-closer"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, user, now)
 3. Add it to the loaders map

SEE ALSO:
  - handlers.go: Engine-backed handlers
  - coaching/presets.go: Profile the scenarios are written against
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UserID      string `json:"user_id"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "trial-rep",
		Name:        "Trial Rep",
		Description: "Trial started three days ago, one verified discovery call",
	},
	{
		ID:          "active-intermediate",
		Name:        "Active Intermediate",
		Description: "Converted from trial, 600 points, baseline assessment taken",
	},
	{
		ID:          "expert-closer",
		Name:        "Expert Closer",
		Description: "Active subscriber above 3000 points with onboarding call completed",
	},
	{
		ID:          "deferred-cancel",
		Name:        "Deferred Cancellation",
		Description: "Active subscriber who cancelled effective at the end of the period",
	},
	{
		ID:          "past-due",
		Name:        "Past Due",
		Description: "Active subscriber whose latest renewal payment failed",
	},
}

func init() {
	for i := range scenarios {
		scenarios[i].UserID = "demo-" + scenarios[i].ID
	}
}

type scenarioLoader func(h *Handler, ctx context.Context, user engine.UserID, now time.Time) error

var loaders = map[string]scenarioLoader{
	"trial-rep":           (*Handler).loadTrialRepScenario,
	"active-intermediate": (*Handler).loadActiveIntermediateScenario,
	"expert-closer":       (*Handler).loadExpertCloserScenario,
	"deferred-cancel":     (*Handler).loadDeferredCancelScenario,
	"past-due":            (*Handler).loadPastDueScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a demo scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
		}
	}
	load, ok := loaders[req.ScenarioID]
	if scenario == nil || !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	user := engine.UserID(scenario.UserID)
	state, err := h.Engine.GetSubscriptionState(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, r, "Failed to load scenario", err)
		return
	}
	if state.Status != engine.SubscriptionNone {
		writeError(w, http.StatusConflict, "Scenario already loaded", nil)
		return
	}

	if err := load(h, r.Context(), user, time.Now().UTC()); err != nil {
		h.writeEngineError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, scenario)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTrialRepScenario(ctx context.Context, user engine.UserID, now time.Time) error {
	start := now.Add(-3 * 24 * time.Hour)
	if err := h.billing(ctx, user, engine.BillingTrialStarted, start); err != nil {
		return err
	}
	return h.action(ctx, user, "discovery-1", engine.CategoryBuyerAnalysis, 40, "1.0", start.Add(26*time.Hour))
}

func (h *Handler) loadActiveIntermediateScenario(ctx context.Context, user engine.UserID, now time.Time) error {
	start := now.Add(-12 * 24 * time.Hour)
	if err := h.billing(ctx, user, engine.BillingTrialStarted, start); err != nil {
		return err
	}
	if err := h.billing(ctx, user, engine.BillingActivated, now.Add(-6*24*time.Hour)); err != nil {
		return err
	}

	actions := []struct {
		id       string
		category engine.Category
		base     int64
		mult     string
	}{
		{"call-1", engine.CategoryBuyerAnalysis, 100, "1.0"},
		{"pitch-1", engine.CategoryValueCommunication, 150, "1.2"},
		{"close-1", engine.CategorySalesExecution, 200, "1.6"},
	}
	for i, a := range actions {
		if err := h.action(ctx, user, a.id, a.category, a.base, a.mult, start.Add(time.Duration(i+1)*48*time.Hour)); err != nil {
			return err
		}
	}

	return h.assessment(ctx, user, "baseline-1", engine.AssessmentBaseline, start.Add(24*time.Hour), map[engine.Dimension]int{
		engine.DimensionBuyerAnalysis:      62,
		engine.DimensionValueCommunication: 55,
		engine.DimensionSalesExecution:     70,
	})
}

func (h *Handler) loadExpertCloserScenario(ctx context.Context, user engine.UserID, now time.Time) error {
	start := now.Add(-60 * 24 * time.Hour)
	if err := h.billing(ctx, user, engine.BillingTrialStarted, now.Add(-10*24*time.Hour)); err != nil {
		return err
	}
	if err := h.billing(ctx, user, engine.BillingActivated, now.Add(-24*time.Hour)); err != nil {
		return err
	}
	if _, err := h.Engine.CompleteMilestone(ctx, user, engine.MilestoneOnboardingCall, start.Add(24*time.Hour),
		map[string]string{"coach": "demo-coach"}); err != nil {
		return err
	}

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("enterprise-deal-%d", i+1)
		if err := h.action(ctx, user, id, engine.CategorySalesExecution, 250, "1.75", start.Add(time.Duration(i+2)*72*time.Hour)); err != nil {
			return err
		}
	}

	if err := h.assessment(ctx, user, "baseline-1", engine.AssessmentBaseline, start.Add(2*24*time.Hour), map[engine.Dimension]int{
		engine.DimensionBuyerAnalysis:     58,
		engine.DimensionSalesExecution:    61,
		engine.DimensionDiscovery:         49,
		engine.DimensionObjectionHandling: 52,
	}); err != nil {
		return err
	}
	return h.assessment(ctx, user, "progress-1", engine.AssessmentProgress, start.Add(40*24*time.Hour), map[engine.Dimension]int{
		engine.DimensionBuyerAnalysis:     84,
		engine.DimensionSalesExecution:    91,
		engine.DimensionDiscovery:         78,
		engine.DimensionObjectionHandling: 80,
	})
}

func (h *Handler) loadDeferredCancelScenario(ctx context.Context, user engine.UserID, now time.Time) error {
	if err := h.billing(ctx, user, engine.BillingTrialStarted, now.Add(-5*24*time.Hour)); err != nil {
		return err
	}
	if err := h.billing(ctx, user, engine.BillingActivated, now.Add(-2*24*time.Hour)); err != nil {
		return err
	}
	// Cancels at the end of the 30 day period that started two days ago.
	return h.billing(ctx, user, engine.BillingCancelled, now.Add(28*24*time.Hour))
}

func (h *Handler) loadPastDueScenario(ctx context.Context, user engine.UserID, now time.Time) error {
	if err := h.billing(ctx, user, engine.BillingTrialStarted, now.Add(-5*24*time.Hour)); err != nil {
		return err
	}
	if err := h.billing(ctx, user, engine.BillingActivated, now.Add(-4*24*time.Hour)); err != nil {
		return err
	}
	return h.billing(ctx, user, engine.BillingPastDue, now.Add(-time.Hour))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) billing(ctx context.Context, user engine.UserID, kind engine.BillingEventKind, at time.Time) error {
	_, err := h.Engine.ApplyBillingEvent(ctx, engine.BillingEvent{UserID: user, Kind: kind, EffectiveAt: at})
	return err
}

func (h *Handler) action(ctx context.Context, user engine.UserID, id string, category engine.Category, base int64, mult string, at time.Time) error {
	_, err := h.Engine.RecordEvent(ctx, engine.ScoredEvent{
		ID:               engine.EventID(string(user) + "-" + id),
		UserID:           user,
		Category:         category,
		BasePoints:       base,
		ImpactMultiplier: decimal.RequireFromString(mult),
		OccurredAt:       at,
		Verified:         true,
	})
	return err
}

func (h *Handler) assessment(ctx context.Context, user engine.UserID, id string, kind engine.AssessmentKind, at time.Time, scores map[engine.Dimension]int) error {
	rec := engine.AssessmentRecord{
		ID:      engine.AssessmentID(string(user) + "-" + id),
		UserID:  user,
		TakenAt: at,
		Kind:    kind,
		Scores:  make(map[engine.Dimension]*int, len(scores)),
	}
	for d, s := range scores {
		rec.Scores[d] = &s
	}
	_, err := h.Engine.RecordAssessment(ctx, rec)
	return err
}
