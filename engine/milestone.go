/*
milestone.go - Once-only milestone lifecycle

PURPOSE:
  Tracks discrete achievements in a user's journey (first assessment,
  payment confirmed, ...). Each (user, milestone type) has at most one row,
  ever. Rows are never deleted: a lapsed milestone is expired, not removed.

STATE MACHINE (per user and type):

    absent ──RecordAttempt──▶ pending ──Complete──▶ completed (terminal)
                                 │
                                 └──Expire (deadline elapsed)──▶ expired

IDEMPOTENCY:
  Upstream signals arrive at-least-once, so repetition is normal:
  - RecordAttempt on an existing row is a no-op
  - Complete on a completed row is a no-op that returns the original row,
    keeping the completed_at of the first successful call
  Uniqueness is enforced by construction: the status change is a
  compare-and-swap on the stored row, never a blind write.

DEADLINES:
  Whether a milestone type can expire, and after how long, is
  configuration (DeadlinePolicy). Types without a deadline never expire.

NOTIFICATIONS:
  Every pending -> completed swap is announced exactly once to the
  registered MilestoneListeners.

SEE ALSO:
  - store.go: MilestoneStore compare-and-swap contract
  - access.go: Reads completion for the milestone gate
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/pkg/logger"
)

// =============================================================================
// MILESTONE TYPES - Closed enumeration
// =============================================================================

type MilestoneType string

const (
	MilestoneProfileCompleted  MilestoneType = "profile_completed"
	MilestoneFirstScoredAction MilestoneType = "first_scored_action"
	MilestoneFirstAssessment   MilestoneType = "first_assessment"
	MilestoneFirstLevelUp      MilestoneType = "first_level_up"
	MilestoneTrialStarted      MilestoneType = "trial_started"
	MilestonePaymentConfirmed  MilestoneType = "payment_confirmed"
	MilestoneOnboardingCall    MilestoneType = "onboarding_call"
)

func MilestoneTypes() []MilestoneType {
	return []MilestoneType{
		MilestoneProfileCompleted,
		MilestoneFirstScoredAction,
		MilestoneFirstAssessment,
		MilestoneFirstLevelUp,
		MilestoneTrialStarted,
		MilestonePaymentConfirmed,
		MilestoneOnboardingCall,
	}
}

func (t MilestoneType) Valid() bool {
	for _, known := range MilestoneTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMilestoneType converts s into a known type or fails with ErrUnknownMilestoneType.
func ParseMilestoneType(s string) (MilestoneType, error) {
	t := MilestoneType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMilestoneType, s)
	}
	return t, nil
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneExpired   MilestoneStatus = "expired"
)

type Milestone struct {
	UserID      UserID
	Type        MilestoneType
	Status      MilestoneStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	ExpiredAt   *time.Time
	Metadata    map[string]string
}

func (m Milestone) IsCompleted() bool { return m.Status == MilestoneCompleted }

// SortMilestones orders by completed_at ascending with nulls last, then by
// creation time and type.
func SortMilestones(ms []Milestone) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		switch {
		case a.CompletedAt != nil && b.CompletedAt == nil:
			return true
		case a.CompletedAt == nil && b.CompletedAt != nil:
			return false
		case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Type < b.Type
	})
}

// =============================================================================
// DEADLINE POLICY - Configuration, not per-type code
// =============================================================================

// DeadlinePolicy maps milestone types to how long they may stay pending.
type DeadlinePolicy map[MilestoneType]time.Duration

// Validate rejects unknown types and non-positive durations.
func (p DeadlinePolicy) Validate() error {
	for t, d := range p {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownMilestoneType, t)
		}
		if d <= 0 {
			return invalid("milestone_deadlines", fmt.Sprintf("%s deadline must be positive", t))
		}
	}
	return nil
}

func (p DeadlinePolicy) Deadline(t MilestoneType) (time.Duration, bool) {
	d, ok := p[t]
	return d, ok && d > 0
}

// =============================================================================
// TRACKER
// =============================================================================

// MilestoneListener receives each completed milestone exactly once.
type MilestoneListener func(ctx context.Context, m Milestone)

type Tracker struct {
	store     MilestoneStore
	deadlines DeadlinePolicy
	audit     AuditLog
	clock     Clock
	log       logger.Logger

	mu        sync.RWMutex
	listeners []MilestoneListener
}

type TrackerOption func(*Tracker)

func WithDeadlines(p DeadlinePolicy) TrackerOption {
	return func(t *Tracker) { t.deadlines = p }
}

func WithTrackerAudit(a AuditLog) TrackerOption {
	return func(t *Tracker) { t.audit = a }
}

func WithTrackerLogger(l logger.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func WithTrackerClock(c Clock) TrackerOption {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

func NewTracker(store MilestoneStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     store,
		deadlines: DeadlinePolicy{},
		clock:     SystemClock,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn for milestone-completed notifications.
func (t *Tracker) Subscribe(fn MilestoneListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) publish(ctx context.Context, m Milestone) {
	t.mu.RLock()
	listeners := append([]MilestoneListener(nil), t.listeners...)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, m)
	}
}

func checkMilestoneArgs(userID UserID, typ MilestoneType) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMilestoneType, typ)
	}
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	return nil
}

// RecordAttempt creates a pending row if none exists. Existing rows are
// returned untouched whatever their status.
func (t *Tracker) RecordAttempt(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, error) {
	if err := checkMilestoneArgs(userID, typ); err != nil {
		return Milestone{}, err
	}
	return t.ensure(ctx, userID, typ, t.clock.Now().UTC())
}

func (t *Tracker) ensure(ctx context.Context, userID UserID, typ MilestoneType, at time.Time) (Milestone, error) {
	stored, created, err := t.store.CreateMilestone(ctx, Milestone{
		UserID:    userID,
		Type:      typ,
		Status:    MilestonePending,
		CreatedAt: at,
	})
	if err != nil {
		return Milestone{}, Unavailable("create milestone", err)
	}
	if created {
		metrics.RecordMilestoneTransition(string(typ), string(MilestonePending))
		t.record(ctx, AuditMilestoneCreated, stored, "", string(MilestonePending), at)
	}
	return stored, nil
}

// Complete moves the milestone to completed at the given instant. A missing
// row is created first. Completing twice keeps the first completion.
func (t *Tracker) Complete(ctx context.Context, userID UserID, typ MilestoneType, at time.Time) (Milestone, error) {
	return t.CompleteWith(ctx, userID, typ, at, nil)
}

// CompleteWith is Complete with metadata attached to the completed row.
func (t *Tracker) CompleteWith(ctx context.Context, userID UserID, typ MilestoneType, at time.Time, metadata map[string]string) (Milestone, error) {
	if err := checkMilestoneArgs(userID, typ); err != nil {
		return Milestone{}, err
	}
	if at.IsZero() {
		at = t.clock.Now()
	}
	at = at.UTC()

	current, err := t.ensure(ctx, userID, typ, at)
	if err != nil {
		return Milestone{}, err
	}

	for {
		switch current.Status {
		case MilestoneCompleted:
			return current, nil
		case MilestoneExpired:
			return current, &TransitionError{
				Machine: "milestone " + string(typ),
				UserID:  userID,
				From:    string(MilestoneExpired),
				To:      string(MilestoneCompleted),
			}
		}

		next := current
		next.Status = MilestoneCompleted
		completedAt := at
		next.CompletedAt = &completedAt
		next.Metadata = mergeMetadata(current.Metadata, metadata)

		swapped, err := t.store.CompareAndSwapMilestone(ctx, MilestonePending, next)
		if err != nil {
			return Milestone{}, Unavailable("complete milestone", err)
		}
		if swapped {
			metrics.RecordMilestoneTransition(string(typ), string(MilestoneCompleted))
			t.record(ctx, AuditMilestoneCompleted, next, string(MilestonePending), string(MilestoneCompleted), at)
			t.publish(ctx, next)
			return next, nil
		}

		// Lost the race; the row moved under us. Re-read and decide again.
		var found bool
		current, found, err = t.store.GetMilestone(ctx, userID, typ)
		if err != nil {
			return Milestone{}, Unavailable("read milestone", err)
		}
		if !found {
			return Milestone{}, &StorageError{Op: "read milestone", Err: fmt.Errorf("row for %s/%s vanished", userID, typ)}
		}
	}
}

// Expire moves a pending milestone to expired when its configured deadline
// has elapsed at now. Returns expired=false when nothing changed.
func (t *Tracker) Expire(ctx context.Context, userID UserID, typ MilestoneType, now time.Time) (Milestone, bool, error) {
	if err := checkMilestoneArgs(userID, typ); err != nil {
		return Milestone{}, false, err
	}
	current, found, err := t.store.GetMilestone(ctx, userID, typ)
	if err != nil {
		return Milestone{}, false, Unavailable("read milestone", err)
	}
	if !found {
		return Milestone{}, false, nil
	}
	return t.expire(ctx, current, now.UTC())
}

func (t *Tracker) expire(ctx context.Context, current Milestone, now time.Time) (Milestone, bool, error) {
	if current.Status != MilestonePending {
		return current, false, nil
	}
	deadline, ok := t.deadlines.Deadline(current.Type)
	if !ok || now.Before(current.CreatedAt.Add(deadline)) {
		return current, false, nil
	}

	next := current
	next.Status = MilestoneExpired
	expiredAt := now
	next.ExpiredAt = &expiredAt

	swapped, err := t.store.CompareAndSwapMilestone(ctx, MilestonePending, next)
	if err != nil {
		return Milestone{}, false, Unavailable("expire milestone", err)
	}
	if !swapped {
		latest, _, err := t.store.GetMilestone(ctx, current.UserID, current.Type)
		if err != nil {
			return Milestone{}, false, Unavailable("read milestone", err)
		}
		return latest, false, nil
	}
	metrics.RecordMilestoneTransition(string(current.Type), string(MilestoneExpired))
	t.record(ctx, AuditMilestoneExpired, next, string(MilestonePending), string(MilestoneExpired), now)
	return next, true, nil
}

// ExpireDue expires every overdue pending milestone. An empty userID sweeps
// all users.
func (t *Tracker) ExpireDue(ctx context.Context, userID UserID, now time.Time) ([]Milestone, error) {
	var candidates []Milestone
	var err error
	if userID == "" {
		candidates, err = t.store.PendingMilestones(ctx)
	} else {
		candidates, err = t.store.ListMilestones(ctx, userID)
	}
	if err != nil {
		return nil, Unavailable("list milestones", err)
	}

	var expired []Milestone
	for _, m := range candidates {
		next, changed, err := t.expire(ctx, m, now.UTC())
		if err != nil {
			return expired, err
		}
		if changed {
			expired = append(expired, next)
		}
	}
	return expired, nil
}

// Get returns a single milestone row.
func (t *Tracker) Get(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, bool, error) {
	if err := checkMilestoneArgs(userID, typ); err != nil {
		return Milestone{}, false, err
	}
	m, found, err := t.store.GetMilestone(ctx, userID, typ)
	if err != nil {
		return Milestone{}, false, Unavailable("read milestone", err)
	}
	return m, found, nil
}

// List returns the user's milestones ordered by completed_at, nulls last.
func (t *Tracker) List(ctx context.Context, userID UserID) ([]Milestone, error) {
	ms, err := t.store.ListMilestones(ctx, userID)
	if err != nil {
		return nil, Unavailable("list milestones", err)
	}
	SortMilestones(ms)
	return ms, nil
}

func (t *Tracker) record(ctx context.Context, action AuditAction, m Milestone, from, to string, at time.Time) {
	if t.audit == nil {
		return
	}
	// Audit failures never undo a committed transition.
	err := t.audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: at,
		UserID:    m.UserID,
		Action:    action,
		Subject:   string(m.Type),
		From:      from,
		To:        to,
		Payload:   m.Metadata,
	})
	if err != nil {
		metrics.RecordAuditFailure("milestone")
		t.log.Warn(ctx, "milestone audit entry lost",
			logger.String("user_id", string(m.UserID)),
			logger.String("milestone_type", string(m.Type)),
			logger.String("action", string(action)),
			logger.Error(err))
	}
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
