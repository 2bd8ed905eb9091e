package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/progression-engine/engine"
)

func event(user, id string, at time.Time) engine.ScoredEvent {
	return engine.ScoredEvent{
		ID:               engine.EventID(id),
		UserID:           engine.UserID(user),
		Category:         engine.CategorySalesExecution,
		BasePoints:       10,
		ImpactMultiplier: decimal.NewFromInt(1),
		OccurredAt:       at,
		RecordedAt:       at,
		Verified:         true,
	}
}

func TestStore_ReadForOneUserDoesNotBlockAnother(t *testing.T) {
	// GIVEN: A file-backed store with an open read of user-a's history
	// WHEN: user-b appends and moves state under a short deadline
	// THEN: Every write lands without waiting for user-a's read to finish

	s, err := New(filepath.Join(t.TempDir(), "isolation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	_, _, err = s.AppendEvent(ctx, event("user-a", "a1", now))
	require.NoError(t, err)

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM events WHERE user_id = ?", "user-a")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())

	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, created, err := s.AppendEvent(deadline, event("user-b", "b1", now))
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = s.CreateMilestone(deadline, engine.Milestone{
		UserID: "user-b", Type: engine.MilestoneFirstScoredAction,
		Status: engine.MilestonePending, CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, s.PutSubscription(deadline, engine.SubscriptionState{
		UserID: "user-b", Status: engine.SubscriptionTrial, UpdatedAt: now,
	}))
}

func TestStore_ConcurrentAppendsAcrossUsers(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

	var g errgroup.Group
	for u := 0; u < 8; u++ {
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				_, _, err := s.AppendEvent(ctx, event(fmt.Sprintf("user-%d", u), fmt.Sprintf("e%d", i), now.Add(time.Duration(i)*time.Minute)))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for u := 0; u < 8; u++ {
		events, err := engine.Collect(s.Events(ctx, engine.UserID(fmt.Sprintf("user-%d", u)), time.Time{}))
		require.NoError(t, err)
		assert.Len(t, events, 10)
	}
}
