// Package storetest holds the behavioral contract every engine store
// implementation must satisfy. Implementations call Run from their tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/progression-engine/engine"
)

// Factory returns fresh, empty stores for one subtest.
type Factory func(t *testing.T) engine.Stores

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func scored(user, id string, at time.Time, points int64, verified bool) engine.ScoredEvent {
	return engine.ScoredEvent{
		ID:               engine.EventID(id),
		UserID:           engine.UserID(user),
		Category:         engine.CategorySalesExecution,
		BasePoints:       points,
		ImpactMultiplier: decimal.RequireFromString("1.5"),
		OccurredAt:       at,
		RecordedAt:       base,
		Verified:         verified,
	}
}

// Run executes the full contract against stores built by newStores.
func Run(t *testing.T, newStores Factory) {
	t.Run("events", func(t *testing.T) { testEvents(t, newStores(t)) })
	t.Run("assessments", func(t *testing.T) { testAssessments(t, newStores(t)) })
	t.Run("milestones", func(t *testing.T) { testMilestones(t, newStores(t)) })
	t.Run("milestone_cas_race", func(t *testing.T) { testMilestoneRace(t, newStores(t)) })
	t.Run("subscriptions", func(t *testing.T) { testSubscriptions(t, newStores(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, newStores(t)) })
	t.Run("user_isolation", func(t *testing.T) { testUserIsolation(t, newStores(t)) })
}

// testUserIsolation writes for one user while another user's history is
// being ranged over. The writes must finish well inside a short deadline.
func testUserIsolation(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.Events.AppendEvent(ctx, scored("user-a", fmt.Sprintf("a%d", i), base.Add(time.Duration(i)*time.Minute), 10, true))
		require.NoError(t, err)
	}

	seen := 0
	for _, err := range s.Events.Events(ctx, "user-a", time.Time{}) {
		require.NoError(t, err)
		seen++

		id := fmt.Sprintf("b%d", seen)
		deadline, cancel := context.WithTimeout(ctx, time.Second)
		done := make(chan error, 1)
		go func() {
			_, _, err := s.Events.AppendEvent(deadline, scored("user-b", id, base, 10, false))
			if err == nil {
				_, err = s.Events.MarkVerified(deadline, "user-b", engine.EventID(id), base)
			}
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-deadline.Done():
			cancel()
			t.Fatal("user-b write blocked while user-a history was being read")
		}
		cancel()
	}
	assert.Equal(t, 3, seen)

	events, err := engine.Collect(s.Events.Events(ctx, "user-b", time.Time{}))
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, e := range events {
		assert.True(t, e.Verified)
	}
}

func testEvents(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	store := s.Events

	// GIVEN: Events appended out of chronological order
	_, created, err := store.AppendEvent(ctx, scored("u1", "e2", base.Add(2*time.Hour), 200, false))
	require.NoError(t, err)
	assert.True(t, created)
	_, _, err = store.AppendEvent(ctx, scored("u1", "e1", base.Add(time.Hour), 100, true))
	require.NoError(t, err)
	_, _, err = store.AppendEvent(ctx, scored("u2", "e9", base, 900, true))
	require.NoError(t, err)

	// WHEN: The same ID is appended again
	id, created, err := store.AppendEvent(ctx, scored("u1", "e1", base.Add(time.Hour), 100, true))

	// THEN: Nothing new is written
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, engine.EventID("e1"), id)

	events, err := engine.Collect(store.Events(ctx, "u1", time.Time{}))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, engine.EventID("e1"), events[0].ID, "ascending by occurred_at")
	assert.True(t, events[0].Verified)
	assert.False(t, events[1].Verified)
	assert.True(t, events[0].ImpactMultiplier.Equal(decimal.RequireFromString("1.5")))

	since, err := engine.Collect(store.Events(ctx, "u1", base.Add(90*time.Minute)))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, engine.EventID("e2"), since[0].ID)

	// Verification is one-way and idempotent
	changed, err := store.MarkVerified(ctx, "u1", "e2", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.MarkVerified(ctx, "u1", "e2", base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	events, err = engine.Collect(store.Events(ctx, "u1", time.Time{}))
	require.NoError(t, err)
	require.True(t, events[1].Verified)
	require.NotNil(t, events[1].VerifiedAt)
	assert.True(t, events[1].VerifiedAt.Equal(base.Add(3*time.Hour)), "first verification time kept")

	_, err = store.MarkVerified(ctx, "u1", "missing", base)
	assert.ErrorIs(t, err, engine.ErrEventNotFound)
	_, err = store.MarkVerified(ctx, "u2", "e1", base)
	assert.ErrorIs(t, err, engine.ErrEventNotFound, "events are scoped to their user")
}

func testAssessments(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	score := func(v int) *int { return &v }

	a := engine.AssessmentRecord{
		ID:      "a2",
		UserID:  "u1",
		TakenAt: base.Add(time.Hour),
		Kind:    engine.AssessmentProgress,
		Scores: map[engine.Dimension]*int{
			engine.DimensionDiscovery:         score(80),
			engine.DimensionObjectionHandling: nil,
		},
		OverallScore: decimal.NewFromInt(80),
		RecordedAt:   base,
	}
	_, created, err := s.Events.AppendAssessment(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	earlier := a
	earlier.ID = "a1"
	earlier.Kind = engine.AssessmentBaseline
	earlier.TakenAt = base
	_, _, err = s.Events.AppendAssessment(ctx, earlier)
	require.NoError(t, err)

	_, created, err = s.Events.AppendAssessment(ctx, a)
	require.NoError(t, err)
	assert.False(t, created)

	records, err := engine.Collect(s.Events.Assessments(ctx, "u1"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, engine.AssessmentID("a1"), records[0].ID)
	require.NotNil(t, records[1].Scores[engine.DimensionDiscovery])
	assert.Equal(t, 80, *records[1].Scores[engine.DimensionDiscovery])
	assert.Nil(t, records[1].Scores[engine.DimensionObjectionHandling])
	assert.True(t, records[1].OverallScore.Equal(decimal.NewFromInt(80)))
}

func testMilestones(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	store := s.Milestones

	m := engine.Milestone{UserID: "u1", Type: engine.MilestoneFirstAssessment, Status: engine.MilestonePending, CreatedAt: base}
	stored, created, err := store.CreateMilestone(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, engine.MilestonePending, stored.Status)

	// A second create returns the existing row untouched
	again := m
	again.CreatedAt = base.Add(time.Hour)
	stored, created, err = store.CreateMilestone(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, stored.CreatedAt.Equal(base))

	done := stored
	done.Status = engine.MilestoneCompleted
	at := base.Add(2 * time.Hour)
	done.CompletedAt = &at
	done.Metadata = map[string]string{"source": "test"}

	swapped, err := store.CompareAndSwapMilestone(ctx, engine.MilestonePending, done)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = store.CompareAndSwapMilestone(ctx, engine.MilestonePending, done)
	require.NoError(t, err)
	assert.False(t, swapped, "status is no longer pending")

	got, found, err := store.GetMilestone(ctx, "u1", engine.MilestoneFirstAssessment)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, engine.MilestoneCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(at))
	assert.Equal(t, "test", got.Metadata["source"])

	_, found, err = store.GetMilestone(ctx, "u1", engine.MilestoneOnboardingCall)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = store.CreateMilestone(ctx, engine.Milestone{UserID: "u2", Type: engine.MilestoneOnboardingCall, Status: engine.MilestonePending, CreatedAt: base})
	require.NoError(t, err)

	list, err := store.ListMilestones(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	pending, err := store.PendingMilestones(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, engine.UserID("u2"), pending[0].UserID)
}

func testMilestoneRace(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	store := s.Milestones

	_, _, err := store.CreateMilestone(ctx, engine.Milestone{UserID: "u1", Type: engine.MilestonePaymentConfirmed, Status: engine.MilestonePending, CreatedAt: base})
	require.NoError(t, err)

	// WHEN: Many workers try to complete the same row at once
	var (
		mu      sync.Mutex
		winners int
		g       errgroup.Group
	)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			at := base.Add(time.Duration(i+1) * time.Minute)
			next := engine.Milestone{UserID: "u1", Type: engine.MilestonePaymentConfirmed, Status: engine.MilestoneCompleted, CreatedAt: base, CompletedAt: &at}
			ok, err := store.CompareAndSwapMilestone(ctx, engine.MilestonePending, next)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: Exactly one swap wins
	assert.Equal(t, 1, winners)
}

func testSubscriptions(t *testing.T, s engine.Stores) {
	ctx := context.Background()
	store := s.Subscriptions

	_, found, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	trialEnd := base.Add(14 * 24 * time.Hour)
	require.NoError(t, store.PutSubscription(ctx, engine.SubscriptionState{
		UserID: "u1", Status: engine.SubscriptionTrial, TrialEndAt: &trialEnd, UpdatedAt: base,
	}))

	cancelAt := base.Add(7 * 24 * time.Hour)
	require.NoError(t, store.PutSubscription(ctx, engine.SubscriptionState{
		UserID: "u1", Status: engine.SubscriptionTrial, TrialEndAt: &trialEnd, CancelAt: &cancelAt, UpdatedAt: base.Add(time.Hour),
	}))

	got, found, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, engine.SubscriptionTrial, got.Status)
	require.NotNil(t, got.CancelAt)
	assert.True(t, got.CancelAt.Equal(cancelAt))
	assert.Nil(t, got.CurrentPeriodEnd)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Hour)))
}

func testAudit(t *testing.T, s engine.Stores) {
	if s.Audit == nil {
		t.Skip("no audit log")
	}
	ctx := context.Background()

	for i, action := range []engine.AuditAction{engine.AuditMilestoneCreated, engine.AuditMilestoneCompleted, engine.AuditSubscriptionChanged} {
		require.NoError(t, s.Audit.AppendAudit(ctx, engine.AuditEntry{
			ID:        fmt.Sprintf("audit-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			UserID:    "u1",
			Action:    action,
			Subject:   "first_assessment",
			From:      "pending",
			To:        "completed",
			Payload:   map[string]string{"n": fmt.Sprint(i)},
		}))
	}
	require.NoError(t, s.Audit.AppendAudit(ctx, engine.AuditEntry{
		ID: "other", Timestamp: base, UserID: "u2", Action: engine.AuditMilestoneCreated, Subject: "x",
	}))

	user := engine.UserID("u1")
	all, err := s.Audit.QueryAudit(ctx, engine.AuditFilter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "0", all[0].Payload["n"])

	from := base.Add(30 * time.Minute)
	filtered, err := s.Audit.QueryAudit(ctx, engine.AuditFilter{
		UserID:  &user,
		Actions: []engine.AuditAction{engine.AuditMilestoneCompleted, engine.AuditMilestoneCreated},
		From:    &from,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, engine.AuditMilestoneCompleted, filtered[0].Action)
}
