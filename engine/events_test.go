package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
)

func TestEventLog_RejectsMalformedEvents(t *testing.T) {
	// GIVEN: Events that break the boundary rules
	// THEN: Each is rejected with a ValidationError and nothing is written

	mem := store.NewMemory()
	log := engine.NewEventLog(mem)
	ctx := context.Background()

	cases := map[string]func(e *engine.ScoredEvent){
		"negative points":     func(e *engine.ScoredEvent) { e.BasePoints = -1 },
		"unknown category":    func(e *engine.ScoredEvent) { e.Category = "cold-calling" },
		"zero multiplier":     func(e *engine.ScoredEvent) { e.ImpactMultiplier = decimal.Zero },
		"negative multiplier": func(e *engine.ScoredEvent) { e.ImpactMultiplier = decimal.NewFromInt(-2) },
		"missing user":        func(e *engine.ScoredEvent) { e.UserID = "" },
		"missing time":        func(e *engine.ScoredEvent) { e.OccurredAt = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := action("u1", 100, "1.5", true, t0)
			mutate(&e)
			_, err := log.Append(ctx, e)

			var verr *engine.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, engine.ErrValidation)
			assert.True(t, engine.IsClientError(err))
		})
	}

	events, err := engine.Collect(log.History(ctx, "u1", time.Time{}))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventLog_IdempotentByClientID(t *testing.T) {
	mem := store.NewMemory()
	log := engine.NewEventLog(mem)
	ctx := context.Background()

	changes := 0
	log.OnChange(func(engine.UserID) { changes++ })

	e := action("u1", 100, "1.5", true, t0)
	e.ID = "client-1"

	id1, err := log.Append(ctx, e)
	require.NoError(t, err)
	id2, err := log.Append(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, changes, "only the first append changes history")

	events, err := engine.Collect(log.History(ctx, "u1", time.Time{}))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_GeneratesIDs(t *testing.T) {
	next := 0
	log := engine.NewEventLog(store.NewMemory(), engine.WithIDGenerator(func() string {
		next++
		return "gen-" + string(rune('0'+next))
	}))

	id, err := log.Append(context.Background(), action("u1", 10, "1.0", false, t0))
	require.NoError(t, err)
	assert.Equal(t, engine.EventID("gen-1"), id)
}

func TestEventLog_HistoryIsRestartable(t *testing.T) {
	// GIVEN: A history sequence obtained once
	// WHEN: An event is appended after the first pass
	// THEN: Ranging again sees the new event

	log := engine.NewEventLog(store.NewMemory())
	ctx := context.Background()

	_, err := log.Append(ctx, action("u1", 10, "1.0", true, t0))
	require.NoError(t, err)

	history := log.History(ctx, "u1", time.Time{})
	first, err := engine.Collect(history)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	_, err = log.Append(ctx, action("u1", 20, "1.0", true, t0.Add(time.Minute)))
	require.NoError(t, err)

	second, err := engine.Collect(history)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestEventLog_VerifyUnknownEvent(t *testing.T) {
	log := engine.NewEventLog(store.NewMemory())
	err := log.Verify(context.Background(), "u1", "nope", t0)
	assert.ErrorIs(t, err, engine.ErrEventNotFound)
	assert.True(t, engine.IsNotFound(err))
}

func TestEventLog_StorageFailureIsRetryable(t *testing.T) {
	mem := store.NewMemory()
	log := engine.NewEventLog(mem)
	mem.FailWith(errors.New("connection reset"))

	_, err := log.Append(context.Background(), action("u1", 10, "1.0", true, t0))

	var serr *engine.StorageError
	require.ErrorAs(t, err, &serr)
	assert.True(t, engine.IsRetryable(err))

	_, err = engine.Collect(log.History(context.Background(), "u1", time.Time{}))
	assert.ErrorIs(t, err, engine.ErrStorageUnavailable)
}

func TestEventLog_AssessmentValidation(t *testing.T) {
	log := engine.NewEventLog(store.NewMemory())
	ctx := context.Background()
	over, ok := 101, 88

	_, err := log.AppendAssessment(ctx, engine.AssessmentRecord{
		UserID: "u1", TakenAt: t0, Kind: engine.AssessmentBaseline,
		Scores: map[engine.Dimension]*int{engine.DimensionDiscovery: &over},
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = log.AppendAssessment(ctx, engine.AssessmentRecord{
		UserID: "u1", TakenAt: t0, Kind: "final-exam",
		Scores: map[engine.Dimension]*int{engine.DimensionDiscovery: &ok},
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = log.AppendAssessment(ctx, engine.AssessmentRecord{
		UserID: "u1", TakenAt: t0, Kind: engine.AssessmentBaseline,
		Scores: map[engine.Dimension]*int{engine.DimensionDiscovery: nil},
	})
	assert.ErrorIs(t, err, engine.ErrValidation, "at least one scored dimension")

	id, err := log.AppendAssessment(ctx, engine.AssessmentRecord{
		UserID: "u1", TakenAt: t0, Kind: engine.AssessmentBaseline,
		Scores: map[engine.Dimension]*int{engine.DimensionDiscovery: &ok},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	records, err := engine.Collect(log.Assessments(ctx, "u1"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].OverallScore.Equal(decimal.NewFromInt(88)))
}
