package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/progression-engine/engine"
)

type fakeExpirer struct {
	calls   atomic.Int32
	expired int
	err     error
}

func (f *fakeExpirer) ExpireDue(ctx context.Context, userID engine.UserID) ([]engine.Milestone, error) {
	f.calls.Add(1)
	return make([]engine.Milestone, f.expired), f.err
}

func TestExpirySweeper_RunNow(t *testing.T) {
	f := &fakeExpirer{expired: 3}
	s := NewExpirySweeper(f, time.Hour, nil)

	assert.Equal(t, 3, s.RunNow())
	assert.EqualValues(t, 1, f.calls.Load())

	f.err = errors.New("store down")
	f.expired = 0
	assert.Equal(t, 0, s.RunNow())
}

func TestExpirySweeper_StartStop(t *testing.T) {
	// GIVEN: A sweeper with a short interval
	// WHEN: It is started and left running
	// THEN: It sweeps immediately and on each tick, and Stop is idempotent

	f := &fakeExpirer{}
	s := NewExpirySweeper(f, 10*time.Millisecond, nil)
	assert.True(t, s.Enabled())

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return f.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, f.calls.Load())
}

func TestExpirySweeper_Disabled(t *testing.T) {
	f := &fakeExpirer{}
	s := NewExpirySweeper(f, 0, nil)

	assert.False(t, s.Enabled())
	s.Start()
	s.Stop()
	assert.EqualValues(t, 0, f.calls.Load())
}
