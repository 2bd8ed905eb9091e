package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
)

func newTestTracker(clock *manualClock, deadlines engine.DeadlinePolicy) (*engine.Tracker, *store.Memory) {
	mem := store.NewMemory()
	tracker := engine.NewTracker(mem,
		engine.WithDeadlines(deadlines),
		engine.WithTrackerAudit(mem),
		engine.WithTrackerClock(clock))
	return tracker, mem
}

// =============================================================================
// ONCE-ONLY COMPLETION
// =============================================================================

func TestTracker_CompleteTwiceKeepsFirstCompletion(t *testing.T) {
	// GIVEN: A milestone completed at T1
	// WHEN: Complete is called again at T2
	// THEN: No error, and completed_at stays T1

	tracker, _ := newTestTracker(newClock(t0), nil)
	ctx := context.Background()

	first, err := tracker.Complete(ctx, "u1", engine.MilestonePaymentConfirmed, t0)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	second, err := tracker.Complete(ctx, "u1", engine.MilestonePaymentConfirmed, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, engine.MilestoneCompleted, second.Status)
	assert.True(t, second.CompletedAt.Equal(t0))

	list, err := tracker.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTracker_ListenerFiresOncePerRow(t *testing.T) {
	tracker, _ := newTestTracker(newClock(t0), nil)
	ctx := context.Background()

	var calls atomic.Int32
	tracker.Subscribe(func(context.Context, engine.Milestone) { calls.Add(1) })

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := tracker.Complete(ctx, "u1", engine.MilestoneFirstAssessment, t0.Add(time.Duration(i)*time.Second))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())
}

func TestTracker_ConcurrentAttemptsCreateOnePendingRow(t *testing.T) {
	// GIVEN: No row for (u1, onboarding_call)
	// WHEN: Two workers record an attempt at the same moment
	// THEN: Exactly one pending row exists

	tracker, mem := newTestTracker(newClock(t0), nil)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := tracker.RecordAttempt(ctx, "u1", engine.MilestoneOnboardingCall)
			return err
		})
	}
	require.NoError(t, g.Wait())

	rows, err := mem.ListMilestones(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, engine.MilestonePending, rows[0].Status)

	user := engine.UserID("u1")
	created, err := mem.QueryAudit(ctx, engine.AuditFilter{UserID: &user, Actions: []engine.AuditAction{engine.AuditMilestoneCreated}})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestTracker_RecordAttemptDoesNotTouchCompletedRow(t *testing.T) {
	tracker, _ := newTestTracker(newClock(t0), nil)
	ctx := context.Background()

	_, err := tracker.Complete(ctx, "u1", engine.MilestoneProfileCompleted, t0)
	require.NoError(t, err)

	m, err := tracker.RecordAttempt(ctx, "u1", engine.MilestoneProfileCompleted)
	require.NoError(t, err)
	assert.Equal(t, engine.MilestoneCompleted, m.Status)
}

func TestTracker_UnknownType(t *testing.T) {
	tracker, _ := newTestTracker(newClock(t0), nil)

	_, err := tracker.Complete(context.Background(), "u1", "won_the_lottery", t0)
	assert.ErrorIs(t, err, engine.ErrUnknownMilestoneType)

	_, err = engine.ParseMilestoneType("won_the_lottery")
	assert.ErrorIs(t, err, engine.ErrUnknownMilestoneType)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestTracker_ExpireAfterDeadline(t *testing.T) {
	// GIVEN: onboarding_call has a 7 day deadline, attempted at t0
	// WHEN: Expire runs before and after the deadline
	// THEN: It only expires once the deadline elapsed, and completion is then refused

	clock := newClock(t0)
	tracker, _ := newTestTracker(clock, engine.DeadlinePolicy{engine.MilestoneOnboardingCall: 7 * 24 * time.Hour})
	ctx := context.Background()

	_, err := tracker.RecordAttempt(ctx, "u1", engine.MilestoneOnboardingCall)
	require.NoError(t, err)

	_, expired, err := tracker.Expire(ctx, "u1", engine.MilestoneOnboardingCall, t0.Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	m, expired, err := tracker.Expire(ctx, "u1", engine.MilestoneOnboardingCall, t0.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, engine.MilestoneExpired, m.Status)
	require.NotNil(t, m.ExpiredAt)

	_, err = tracker.Complete(ctx, "u1", engine.MilestoneOnboardingCall, t0.Add(8*24*time.Hour))
	var terr *engine.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "expired", terr.From)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestTracker_ExpireIgnoresCompletedAndUndeadlined(t *testing.T) {
	tracker, _ := newTestTracker(newClock(t0), engine.DeadlinePolicy{engine.MilestoneFirstAssessment: time.Hour})
	ctx := context.Background()
	later := t0.Add(48 * time.Hour)

	_, err := tracker.Complete(ctx, "u1", engine.MilestoneFirstAssessment, t0)
	require.NoError(t, err)
	_, expired, err := tracker.Expire(ctx, "u1", engine.MilestoneFirstAssessment, later)
	require.NoError(t, err)
	assert.False(t, expired, "completed rows never expire")

	_, err = tracker.RecordAttempt(ctx, "u1", engine.MilestoneProfileCompleted)
	require.NoError(t, err)
	_, expired, err = tracker.Expire(ctx, "u1", engine.MilestoneProfileCompleted, later)
	require.NoError(t, err)
	assert.False(t, expired, "types without a deadline never expire")
}

func TestTracker_ExpireDueSweepsAllUsers(t *testing.T) {
	clock := newClock(t0)
	tracker, _ := newTestTracker(clock, engine.DeadlinePolicy{engine.MilestoneTrialStarted: 24 * time.Hour})
	ctx := context.Background()

	for _, u := range []engine.UserID{"u1", "u2", "u3"} {
		_, err := tracker.RecordAttempt(ctx, u, engine.MilestoneTrialStarted)
		require.NoError(t, err)
	}
	_, err := tracker.Complete(ctx, "u3", engine.MilestoneTrialStarted, t0)
	require.NoError(t, err)

	expired, err := tracker.ExpireDue(ctx, "", t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	again, err := tracker.ExpireDue(ctx, "", t0.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTracker_ListOrdersByCompletionNullsLast(t *testing.T) {
	clock := newClock(t0)
	tracker, _ := newTestTracker(clock, nil)
	ctx := context.Background()

	_, err := tracker.RecordAttempt(ctx, "u1", engine.MilestoneOnboardingCall)
	require.NoError(t, err)
	_, err = tracker.Complete(ctx, "u1", engine.MilestonePaymentConfirmed, t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = tracker.Complete(ctx, "u1", engine.MilestoneProfileCompleted, t0.Add(time.Hour))
	require.NoError(t, err)

	list, err := tracker.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, engine.MilestoneProfileCompleted, list[0].Type)
	assert.Equal(t, engine.MilestonePaymentConfirmed, list[1].Type)
	assert.Equal(t, engine.MilestoneOnboardingCall, list[2].Type)
	assert.Nil(t, list[2].CompletedAt)
}

func TestDeadlinePolicy_Validate(t *testing.T) {
	assert.NoError(t, engine.DeadlinePolicy{engine.MilestoneOnboardingCall: time.Hour}.Validate())
	assert.ErrorIs(t, engine.DeadlinePolicy{"nope": time.Hour}.Validate(), engine.ErrUnknownMilestoneType)
	assert.ErrorIs(t, engine.DeadlinePolicy{engine.MilestoneOnboardingCall: 0}.Validate(), engine.ErrValidation)
}
