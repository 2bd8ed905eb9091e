/*
scheduler.go - Automated milestone expiry

PURPOSE:
  Periodically expires pending milestones whose configured deadline has
  passed, for every user. Expiry is otherwise only applied on request.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs one sweep immediately on start
  - A failing sweep is logged and retried at the next tick
  - Each sweep is bounded by the interval so a stuck store cannot pile
    up overlapping sweeps

CONFIGURATION:
  - Interval: How often to sweep (config expiry_sweep_interval, default 1h)
  - Enabled:  Interval > 0

USAGE:
  sweeper := NewExpirySweeper(eng, interval, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: SweepExpired endpoint (manual sweep)
  - engine/milestone.go: Tracker.ExpireDue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/pkg/logger"
)

// Expirer is the engine operation the sweeper drives.
type Expirer interface {
	ExpireDue(ctx context.Context, userID engine.UserID) ([]engine.Milestone, error)
}

// ExpirySweeper handles automated milestone expiry.
type ExpirySweeper struct {
	Expirer  Expirer
	Interval time.Duration

	log    logger.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper. An interval <= 0 disables it.
func NewExpirySweeper(expirer Expirer, interval time.Duration, log logger.Logger) *ExpirySweeper {
	if log == nil {
		log = logger.Nop()
	}
	return &ExpirySweeper{
		Expirer:  expirer,
		Interval: interval,
		log:      log,
	}
}

// Enabled reports whether Start will run anything.
func (s *ExpirySweeper) Enabled() bool { return s.Interval > 0 }

// Start begins the sweeper.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() {
		s.log.Info(context.Background(), "expiry sweeper disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.Info(context.Background(), "expiry sweeper started", logger.Duration("interval", s.Interval))
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info(context.Background(), "expiry sweeper stopped")
	}
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	s.RunNow()

	for {
		select {
		case <-s.ticker.C:
			s.RunNow()
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many milestones expired.
func (s *ExpirySweeper) RunNow() int {
	timeout := s.Interval
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	expired, err := s.Expirer.ExpireDue(ctx, "")
	if err != nil {
		s.log.Warn(ctx, "expiry sweep failed", logger.Int("expired", len(expired)), logger.Error(err))
		return len(expired)
	}
	if len(expired) > 0 {
		s.log.Info(ctx, "expiry sweep completed", logger.Int("expired", len(expired)))
	}
	return len(expired)
}
