package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *manualClock { return &manualClock{now: at} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func twoLevels() engine.LevelTable {
	return engine.MustLevelTable(
		engine.Level{Threshold: decimal.Zero, Name: "Foundation"},
		engine.Level{Threshold: decimal.NewFromInt(500), Name: "Intermediate"},
	)
}

func fourLevels() engine.LevelTable {
	return engine.MustLevelTable(
		engine.Level{Threshold: decimal.Zero, Name: "Foundation"},
		engine.Level{Threshold: decimal.NewFromInt(500), Name: "Intermediate"},
		engine.Level{Threshold: decimal.NewFromInt(1500), Name: "Advanced"},
		engine.Level{Threshold: decimal.NewFromInt(3000), Name: "Expert"},
	)
}

func action(user string, base int64, mult string, verified bool, at time.Time) engine.ScoredEvent {
	return engine.ScoredEvent{
		UserID:           engine.UserID(user),
		Category:         engine.CategoryBuyerAnalysis,
		BasePoints:       base,
		ImpactMultiplier: decimal.RequireFromString(mult),
		OccurredAt:       at,
		Verified:         verified,
	}
}

func newTestEngine(t *testing.T, clock *manualClock, opts ...engine.Option) (*engine.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]engine.Option{engine.WithClock(clock), engine.WithLevels(fourLevels())}, opts...)
	eng, err := engine.New(mem.Stores(), opts...)
	require.NoError(t, err)
	return eng, mem
}
