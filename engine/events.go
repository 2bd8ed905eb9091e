/*
events.go - Event log for scored actions and assessments

PURPOSE:
  The EventLog is the validated entry point to the append-only history.
  It rejects malformed input before anything reaches the store, assigns
  identifiers, and notifies listeners (the standing cache) whenever a
  user's history changes.

VALIDATION (rejected with ValidationError, nothing written):
  - Empty user ID
  - Unknown category
  - Negative base points
  - Non-positive impact multiplier
  - Zero occurred_at
  Assessments additionally reject unknown kinds, unknown dimensions and
  scores outside 0..100.

HISTORY:
  History returns a lazy, restartable sequence. Ranging over it twice
  performs two reads, so a caller always sees the latest appends.

VERIFICATION:
  Unverified events contribute zero points. Verify flips an event to
  verified exactly once; repeated calls are no-ops.

SEE ALSO:
  - store.go: EventStore contract
  - scoring.go: Consumes History to build a standing
*/
package engine

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/metrics"
)

// HistoryListener is told when a user's scoring history changed.
type HistoryListener func(userID UserID)

type EventLog struct {
	store EventStore
	clock Clock
	newID func() string

	mu        sync.RWMutex
	listeners []HistoryListener
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventClock sets the clock used for RecordedAt stamps.
func WithEventClock(c Clock) EventLogOption {
	return func(l *EventLog) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithIDGenerator overrides how missing identifiers are generated.
func WithIDGenerator(fn func() string) EventLogOption {
	return func(l *EventLog) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func NewEventLog(store EventStore, opts ...EventLogOption) *EventLog {
	l := &EventLog{
		store: store,
		clock: SystemClock,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnChange registers fn to run after every successful write for a user.
func (l *EventLog) OnChange(fn HistoryListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *EventLog) notify(userID UserID) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.listeners {
		fn(userID)
	}
}

// ValidateEvent checks a scored event against the boundary rules.
func ValidateEvent(e ScoredEvent) error {
	if e.UserID == "" {
		return invalid("user_id", "must not be empty")
	}
	if !e.Category.Valid() {
		return invalid("category", fmt.Sprintf("unknown category %q", e.Category))
	}
	if e.BasePoints < 0 {
		return invalid("base_points", "must not be negative")
	}
	if !e.ImpactMultiplier.IsPositive() {
		return invalid("impact_multiplier", "must be positive")
	}
	if e.OccurredAt.IsZero() {
		return invalid("occurred_at", "must be set")
	}
	return nil
}

// ValidateAssessment checks an assessment against the boundary rules.
func ValidateAssessment(a AssessmentRecord) error {
	if a.UserID == "" {
		return invalid("user_id", "must not be empty")
	}
	if !a.Kind.Valid() {
		return invalid("assessment_kind", fmt.Sprintf("unknown kind %q", a.Kind))
	}
	if a.TakenAt.IsZero() {
		return invalid("taken_at", "must be set")
	}
	for dim, score := range a.Scores {
		if !dim.Valid() {
			return invalid("scores", fmt.Sprintf("unknown dimension %q", dim))
		}
		if score != nil && (*score < MinDimensionScore || *score > MaxDimensionScore) {
			return invalid("scores", fmt.Sprintf("%s must be within %d..%d", dim, MinDimensionScore, MaxDimensionScore))
		}
	}
	return nil
}

// Append validates and stores e, returning its stable identifier.
func (l *EventLog) Append(ctx context.Context, e ScoredEvent) (EventID, error) {
	if err := ValidateEvent(e); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = EventID(l.newID())
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.RecordedAt = l.clock.Now().UTC()
	if e.Verified && e.VerifiedAt == nil {
		at := e.RecordedAt
		e.VerifiedAt = &at
	}

	id, created, err := l.store.AppendEvent(ctx, e)
	if err != nil {
		return "", Unavailable("append event", err)
	}
	if created {
		metrics.RecordEventAppended(string(e.Category))
		l.notify(e.UserID)
	}
	return id, nil
}

// AppendAssessment validates a, derives its overall score and stores it.
func (l *EventLog) AppendAssessment(ctx context.Context, a AssessmentRecord) (AssessmentID, error) {
	if err := ValidateAssessment(a); err != nil {
		return "", err
	}
	overall, ok := ComputeOverall(a.Scores)
	if !ok {
		return "", invalid("scores", "at least one dimension must be scored")
	}
	if a.ID == "" {
		a.ID = AssessmentID(l.newID())
	}
	a.OverallScore = overall
	a.TakenAt = a.TakenAt.UTC()
	a.RecordedAt = l.clock.Now().UTC()

	id, created, err := l.store.AppendAssessment(ctx, a)
	if err != nil {
		return "", Unavailable("append assessment", err)
	}
	if created {
		metrics.RecordAssessmentRecorded()
		l.notify(a.UserID)
	}
	return id, nil
}

// Verify flips the event to verified. Repeated calls are no-ops.
func (l *EventLog) Verify(ctx context.Context, userID UserID, id EventID, at time.Time) error {
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	if at.IsZero() {
		at = l.clock.Now()
	}
	changed, err := l.store.MarkVerified(ctx, userID, id, at.UTC())
	if err != nil {
		return Unavailable("verify event", err)
	}
	if changed {
		metrics.RecordEventVerified()
		l.notify(userID)
	}
	return nil
}

// History yields the user's events since the given instant in ascending
// OccurredAt order. A zero since means the full history.
func (l *EventLog) History(ctx context.Context, userID UserID, since time.Time) iter.Seq2[ScoredEvent, error] {
	return func(yield func(ScoredEvent, error) bool) {
		for e, err := range l.store.Events(ctx, userID, since) {
			if err != nil {
				yield(ScoredEvent{}, Unavailable("read history", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Assessments yields the user's assessments in ascending TakenAt order.
func (l *EventLog) Assessments(ctx context.Context, userID UserID) iter.Seq2[AssessmentRecord, error] {
	return func(yield func(AssessmentRecord, error) bool) {
		for a, err := range l.store.Assessments(ctx, userID) {
			if err != nil {
				yield(AssessmentRecord{}, Unavailable("read assessments", err))
				return
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}
