package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/engine"
)

var coachingRules = []engine.Rule{
	{
		Capability:    "practice_arena",
		Subscriptions: []engine.SubscriptionStatus{engine.SubscriptionTrial, engine.SubscriptionActive},
	},
	{
		Capability:    "advanced_playbooks",
		Subscriptions: []engine.SubscriptionStatus{engine.SubscriptionActive},
		MinLevel:      "Intermediate",
		Milestones:    []engine.MilestoneType{engine.MilestoneFirstAssessment},
	},
	{
		Capability: "public_profile",
		Milestones: []engine.MilestoneType{engine.MilestoneProfileCompleted},
	},
}

func TestRuleTable_Validation(t *testing.T) {
	levels := fourLevels()

	_, err := engine.NewRuleTable(levels, engine.Rule{Capability: "x", MinLevel: "Grandmaster"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = engine.NewRuleTable(levels, engine.Rule{Capability: "x", Subscriptions: []engine.SubscriptionStatus{"lifetime"}})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = engine.NewRuleTable(levels, engine.Rule{Capability: "x", Milestones: []engine.MilestoneType{"nope"}})
	assert.ErrorIs(t, err, engine.ErrUnknownMilestoneType)

	_, err = engine.NewRuleTable(levels, engine.Rule{Capability: "x"}, engine.Rule{Capability: "x"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	table, err := engine.NewRuleTable(levels, coachingRules...)
	require.NoError(t, err)
	assert.Equal(t, []engine.Capability{"advanced_playbooks", "practice_arena", "public_profile"}, table.Capabilities())

	_, err = table.Lookup("teleport")
	assert.ErrorIs(t, err, engine.ErrUnknownCapability)
}

func TestEvaluate_UnknownCapabilityIsADecision(t *testing.T) {
	eng, _ := newTestEngine(t, newClock(t0), engine.WithRules(coachingRules...))

	d := eng.Evaluate(context.Background(), "u1", "teleport")

	assert.False(t, d.Allowed)
	assert.Equal(t, engine.ReasonUnknownCapability, d.Reason)
	assert.Equal(t, engine.Capability("teleport"), d.Capability)
}

func TestEvaluate_GateOrder(t *testing.T) {
	// GIVEN: advanced_playbooks needs active + Intermediate + first_assessment
	// WHEN: The user satisfies the gates one at a time
	// THEN: The reported reason is always the first failing gate

	clock := newClock(t0)
	eng, _ := newTestEngine(t, clock, engine.WithRules(coachingRules...))
	ctx := context.Background()

	d := eng.Evaluate(ctx, "u1", "advanced_playbooks")
	assert.Equal(t, engine.ReasonSubscriptionRequired, d.Reason)

	_, err := eng.ApplyBillingEvent(ctx, engine.BillingEvent{UserID: "u1", Kind: engine.BillingTrialStarted, EffectiveAt: t0})
	require.NoError(t, err)
	d = eng.Evaluate(ctx, "u1", "advanced_playbooks")
	assert.Equal(t, engine.ReasonSubscriptionRequired, d.Reason, "trial is not enough")

	_, err = eng.ApplyBillingEvent(ctx, engine.BillingEvent{UserID: "u1", Kind: engine.BillingActivated, EffectiveAt: t0})
	require.NoError(t, err)
	d = eng.Evaluate(ctx, "u1", "advanced_playbooks")
	assert.Equal(t, engine.ReasonLevelTooLow, d.Reason)

	_, err = eng.RecordEvent(ctx, action("u1", 400, "1.5", true, t0))
	require.NoError(t, err)
	d = eng.Evaluate(ctx, "u1", "advanced_playbooks")
	assert.Equal(t, engine.ReasonMilestoneIncomplete, d.Reason)
	assert.Equal(t, string(engine.MilestoneFirstAssessment), d.Detail)

	score := 72
	_, err = eng.RecordAssessment(ctx, engine.AssessmentRecord{
		UserID: "u1", TakenAt: t0, Kind: engine.AssessmentBaseline,
		Scores: map[engine.Dimension]*int{engine.DimensionSalesExecution: &score},
	})
	require.NoError(t, err)
	d = eng.Evaluate(ctx, "u1", "advanced_playbooks")
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.ReasonAllowed, d.Reason)
}

func TestEvaluate_TrialWithFutureCancellation(t *testing.T) {
	// GIVEN: A trial user who cancelled effective in 5 days
	// WHEN: Evaluating before and after that date
	// THEN: Access follows the trial until the cancellation takes effect

	clock := newClock(t0)
	eng, _ := newTestEngine(t, clock, engine.WithRules(coachingRules...))
	ctx := context.Background()

	_, err := eng.ApplyBillingEvent(ctx, engine.BillingEvent{UserID: "u1", Kind: engine.BillingTrialStarted, EffectiveAt: t0})
	require.NoError(t, err)
	_, err = eng.ApplyBillingEvent(ctx, engine.BillingEvent{UserID: "u1", Kind: engine.BillingCancelled, EffectiveAt: t0.Add(5 * day)})
	require.NoError(t, err)

	clock.Set(t0.Add(4 * day))
	assert.True(t, eng.Evaluate(ctx, "u1", "practice_arena").Allowed)

	clock.Set(t0.Add(5 * day))
	d := eng.Evaluate(ctx, "u1", "practice_arena")
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.ReasonSubscriptionRequired, d.Reason)
}

func TestEvaluate_FailsClosedOnStorageError(t *testing.T) {
	eng, mem := newTestEngine(t, newClock(t0), engine.WithRules(coachingRules...))
	ctx := context.Background()

	_, err := eng.CompleteMilestone(ctx, "u1", engine.MilestoneProfileCompleted, t0, nil)
	require.NoError(t, err)
	require.True(t, eng.Evaluate(ctx, "u1", "public_profile").Allowed)

	mem.FailWith(errors.New("db down"))
	d := eng.Evaluate(ctx, "u1", "public_profile")
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.ReasonUnavailable, d.Reason)
}

func TestEvaluate_SkipsGatesTheRuleDoesNotName(t *testing.T) {
	// public_profile has no subscription or level gate, so a failing
	// subscription store is never consulted.
	eng, _ := newTestEngine(t, newClock(t0), engine.WithRules(coachingRules...))
	ctx := context.Background()

	d := eng.Evaluate(ctx, "u1", "public_profile")
	assert.Equal(t, engine.ReasonMilestoneIncomplete, d.Reason)
}
