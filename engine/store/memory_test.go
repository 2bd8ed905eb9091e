package store_test

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
	"github.com/warp/progression-engine/engine/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Stores {
		return store.NewMemory().Stores()
	})
}

func TestMemory_FailWith(t *testing.T) {
	// GIVEN: A store told to fail
	// WHEN: Reading history
	// THEN: The iterator yields the failure, and recovery restores reads

	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("disk on fire")

	_, _, err := m.AppendEvent(ctx, engine.ScoredEvent{
		ID: "e1", UserID: "u1", Category: engine.CategoryBuyerAnalysis,
		BasePoints: 1, ImpactMultiplier: decimal.NewFromInt(1), OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	m.FailWith(boom)
	_, err = engine.Collect(m.Events(ctx, "u1", time.Time{}))
	assert.ErrorIs(t, err, boom)

	m.FailWith(nil)
	events, err := engine.Collect(m.Events(ctx, "u1", time.Time{}))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemory_ReturnedRowsAreCopies(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, _, err := m.CreateMilestone(ctx, engine.Milestone{
		UserID: "u1", Type: engine.MilestoneOnboardingCall, Status: engine.MilestonePending,
		CreatedAt: time.Now(), Metadata: map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	got, _, err := m.GetMilestone(ctx, "u1", engine.MilestoneOnboardingCall)
	require.NoError(t, err)
	got.Metadata["k"] = "mutated"

	again, _, err := m.GetMilestone(ctx, "u1", engine.MilestoneOnboardingCall)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}
