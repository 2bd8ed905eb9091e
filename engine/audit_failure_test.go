package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
	"github.com/warp/progression-engine/pkg/logger"
)

// brokenAudit rejects every write.
type brokenAudit struct{}

func (brokenAudit) AppendAudit(context.Context, engine.AuditEntry) error {
	return errors.New("audit disk full")
}

func (brokenAudit) QueryAudit(context.Context, engine.AuditFilter) ([]engine.AuditEntry, error) {
	return nil, nil
}

func TestTracker_AuditFailureIsLoggedNotFatal(t *testing.T) {
	// GIVEN: A tracker whose audit log rejects writes
	// WHEN: A milestone is completed
	// THEN: The completion is stored and the lost entry is logged as a warning

	var buf bytes.Buffer
	mem := store.NewMemory()
	tracker := engine.NewTracker(mem,
		engine.WithTrackerAudit(brokenAudit{}),
		engine.WithTrackerClock(newClock(t0)),
		engine.WithTrackerLogger(logger.New(&buf, slog.LevelDebug)))
	ctx := context.Background()

	m, err := tracker.Complete(ctx, "u1", engine.MilestonePaymentConfirmed, t0)
	require.NoError(t, err)
	assert.Equal(t, engine.MilestoneCompleted, m.Status)

	stored, ok, err := tracker.Get(ctx, "u1", engine.MilestonePaymentConfirmed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.IsCompleted())

	out := buf.String()
	assert.Contains(t, out, "milestone audit entry lost")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "user_id=u1")
	assert.Contains(t, out, "audit disk full")
}

func TestSubscriptions_AuditFailureIsLoggedNotFatal(t *testing.T) {
	// GIVEN: Subscriptions whose audit log rejects writes
	// WHEN: A trial is started
	// THEN: The new state is stored and the lost entry is logged as a warning

	var buf bytes.Buffer
	mem := store.NewMemory()
	subs := engine.NewSubscriptions(mem,
		engine.WithSubscriptionClock(newClock(t0)),
		engine.WithSubscriptionAudit(brokenAudit{}),
		engine.WithSubscriptionLogger(logger.New(&buf, slog.LevelDebug)))
	ctx := context.Background()

	state, err := subs.StartTrial(ctx, "u1", t0.Add(14 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, engine.SubscriptionTrial, state.Status)

	got, err := subs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, engine.SubscriptionTrial, got.Status)

	out := buf.String()
	assert.Contains(t, out, "subscription audit entry lost")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "audit disk full")
}
