/*
subscription.go - Subscription lifecycle state machine

PURPOSE:
  Tracks the billing lifecycle of a user independently of any billing
  provider's own representation. Providers deliver normalized events
  (BillingEvent) which are translated into the transitions below.

STATE MACHINE:

    none ──StartTrial──▶ trial ──Activate──▶ active ──MarkPastDue──▶ past_due
                          │                   ▲  │                     │
                          │                   │  └──────Cancel────┐    │
                          │                   └────Activate───────┼────┘
                          └──────────Cancel / trial lapses────────▶ cancelled

  - trial lapses (now > trial_end_at without activation) -> cancelled
  - past_due longer than the grace period -> cancelled
  - cancelled is terminal
  - Cancel from none is accepted and changes nothing

DEFERRED CANCELLATION:
  Cancel(effective_at) in the future only records cancel_at. The prior
  status stays in effect (for access decisions too) until effective_at
  passes, which supports "cancel at period end".

EFFECTIVE STATUS:
  The stored record is resolved against the clock on every read
  (SubscriptionState.StatusAt). Transitions start from the effective
  status, so a lapsed trial cannot be activated.

IDEMPOTENCY:
  Re-entering the current state is a no-op (activate while active extends
  the period end instead). Any other invalid source fails with
  TransitionError and leaves the record unchanged.

CONCURRENCY:
  Transitions for one user run inside a per-user critical section
  (KeyedMutex). Different users never share a lock.

SEE ALSO:
  - access.go: Subscription gate
  - engine.go: ApplyBillingEvent
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/pkg/logger"
)

// =============================================================================
// SUBSCRIPTION STATUS
// =============================================================================

type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionNone, SubscriptionTrial, SubscriptionActive, SubscriptionCancelled, SubscriptionPastDue:
		return true
	}
	return false
}

func (s SubscriptionStatus) Terminal() bool { return s == SubscriptionCancelled }

// SubscriptionState is the single live record for a user.
type SubscriptionState struct {
	UserID           UserID
	Status           SubscriptionStatus
	TrialEndAt       *time.Time
	CurrentPeriodEnd *time.Time
	CancelAt         *time.Time
	PastDueSince     *time.Time
	UpdatedAt        time.Time
}

// StatusAt resolves the status in effect at now, applying deferred
// cancellation, trial lapse and the past-due grace period.
func (s SubscriptionState) StatusAt(now time.Time, pastDueGrace time.Duration) SubscriptionStatus {
	status := s.Status
	if status == "" {
		status = SubscriptionNone
	}
	if status.Terminal() || status == SubscriptionNone {
		return status
	}
	if s.CancelAt != nil && !now.Before(*s.CancelAt) {
		return SubscriptionCancelled
	}
	if status == SubscriptionTrial && s.TrialEndAt != nil && now.After(*s.TrialEndAt) {
		return SubscriptionCancelled
	}
	if status == SubscriptionPastDue && pastDueGrace > 0 && s.PastDueSince != nil &&
		!now.Before(s.PastDueSince.Add(pastDueGrace)) {
		return SubscriptionCancelled
	}
	return status
}

// Resolve returns a copy of s with Status replaced by the effective status.
func (s SubscriptionState) Resolve(now time.Time, pastDueGrace time.Duration) SubscriptionState {
	s.Status = s.StatusAt(now, pastDueGrace)
	return s
}

// =============================================================================
// BILLING EVENTS - Normalized input from the billing integration
// =============================================================================

type BillingEventKind string

const (
	BillingTrialStarted BillingEventKind = "trial_started"
	BillingActivated    BillingEventKind = "activated"
	BillingPastDue      BillingEventKind = "past_due"
	BillingCancelled    BillingEventKind = "cancelled"
)

func (k BillingEventKind) Valid() bool {
	switch k {
	case BillingTrialStarted, BillingActivated, BillingPastDue, BillingCancelled:
		return true
	}
	return false
}

type BillingEvent struct {
	UserID      UserID
	Kind        BillingEventKind
	EffectiveAt time.Time
	// EndsAt is the trial end or period end when the provider supplies it.
	EndsAt time.Time
}

// =============================================================================
// SUBSCRIPTIONS - The state machine
// =============================================================================

type Subscriptions struct {
	store SubscriptionStore
	clock Clock
	grace time.Duration
	audit AuditLog
	locks *KeyedMutex
	log   logger.Logger
}

type SubscriptionsOption func(*Subscriptions)

func WithSubscriptionClock(c Clock) SubscriptionsOption {
	return func(s *Subscriptions) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPastDueGrace sets how long past_due may last before it counts as
// cancelled. Zero disables the automatic cancellation.
func WithPastDueGrace(d time.Duration) SubscriptionsOption {
	return func(s *Subscriptions) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithSubscriptionLogger(l logger.Logger) SubscriptionsOption {
	return func(s *Subscriptions) {
		if l != nil {
			s.log = l
		}
	}
}

func WithSubscriptionAudit(a AuditLog) SubscriptionsOption {
	return func(s *Subscriptions) { s.audit = a }
}

func NewSubscriptions(store SubscriptionStore, opts ...SubscriptionsOption) *Subscriptions {
	s := &Subscriptions{
		store: store,
		clock: SystemClock,
		locks: NewKeyedMutex(),
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the user's state with the status effective now.
func (s *Subscriptions) Get(ctx context.Context, userID UserID) (SubscriptionState, error) {
	if userID == "" {
		return SubscriptionState{}, invalid("user_id", "must not be empty")
	}
	state, err := s.load(ctx, userID)
	if err != nil {
		return SubscriptionState{}, err
	}
	return state.Resolve(s.clock.Now(), s.grace), nil
}

func (s *Subscriptions) load(ctx context.Context, userID UserID) (SubscriptionState, error) {
	state, found, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return SubscriptionState{}, Unavailable("read subscription", err)
	}
	if !found {
		return SubscriptionState{UserID: userID, Status: SubscriptionNone}, nil
	}
	return state, nil
}

// transition runs fn on the user's current state inside the per-user
// critical section and persists the result when fn reports a change.
func (s *Subscriptions) transition(
	ctx context.Context,
	userID UserID,
	fn func(current SubscriptionState, effective SubscriptionStatus, now time.Time) (next SubscriptionState, changed bool, err error),
) (SubscriptionState, error) {
	if userID == "" {
		return SubscriptionState{}, invalid("user_id", "must not be empty")
	}
	unlock := s.locks.Lock(string(userID))
	defer unlock()

	now := s.clock.Now().UTC()
	current, err := s.load(ctx, userID)
	if err != nil {
		return SubscriptionState{}, err
	}
	effective := current.StatusAt(now, s.grace)

	next, changed, err := fn(current, effective, now)
	if err != nil {
		return current.Resolve(now, s.grace), err
	}
	if !changed {
		return current.Resolve(now, s.grace), nil
	}

	next.UserID = userID
	next.UpdatedAt = now
	if err := s.store.PutSubscription(ctx, next); err != nil {
		return current.Resolve(now, s.grace), Unavailable("write subscription", err)
	}

	resolved := next.Resolve(now, s.grace)
	if resolved.Status != effective {
		metrics.RecordSubscriptionTransition(string(effective), string(resolved.Status))
	}
	s.record(ctx, current, effective, next, now)
	return resolved, nil
}

func rejectTransition(userID UserID, from, to SubscriptionStatus) error {
	return &TransitionError{Machine: "subscription", UserID: userID, From: string(from), To: string(to)}
}

// StartTrial moves none -> trial. Calling it again while in trial is a no-op.
func (s *Subscriptions) StartTrial(ctx context.Context, userID UserID, trialEnd time.Time) (SubscriptionState, error) {
	return s.transition(ctx, userID, func(cur SubscriptionState, eff SubscriptionStatus, now time.Time) (SubscriptionState, bool, error) {
		switch eff {
		case SubscriptionTrial:
			return cur, false, nil
		case SubscriptionNone:
		default:
			return cur, false, rejectTransition(userID, eff, SubscriptionTrial)
		}
		if !trialEnd.After(now) {
			return cur, false, invalid("trial_end_at", "must be in the future")
		}
		end := trialEnd.UTC()
		return SubscriptionState{Status: SubscriptionTrial, TrialEndAt: &end}, true, nil
	})
}

// Activate moves trial or past_due -> active. While active it extends the
// current period end when periodEnd is later, and is otherwise a no-op.
func (s *Subscriptions) Activate(ctx context.Context, userID UserID, periodEnd time.Time) (SubscriptionState, error) {
	return s.transition(ctx, userID, func(cur SubscriptionState, eff SubscriptionStatus, now time.Time) (SubscriptionState, bool, error) {
		end := periodEnd.UTC()
		switch eff {
		case SubscriptionActive:
			if cur.CurrentPeriodEnd != nil && !end.After(*cur.CurrentPeriodEnd) {
				return cur, false, nil
			}
			next := cur
			next.CurrentPeriodEnd = &end
			return next, true, nil
		case SubscriptionTrial, SubscriptionPastDue:
		default:
			return cur, false, rejectTransition(userID, eff, SubscriptionActive)
		}
		if !end.After(now) {
			return cur, false, invalid("current_period_end", "must be in the future")
		}
		next := cur
		next.Status = SubscriptionActive
		next.CurrentPeriodEnd = &end
		next.PastDueSince = nil
		return next, true, nil
	})
}

// MarkPastDue moves active -> past_due as of at.
func (s *Subscriptions) MarkPastDue(ctx context.Context, userID UserID, at time.Time) (SubscriptionState, error) {
	return s.transition(ctx, userID, func(cur SubscriptionState, eff SubscriptionStatus, now time.Time) (SubscriptionState, bool, error) {
		switch eff {
		case SubscriptionPastDue:
			return cur, false, nil
		case SubscriptionActive:
		default:
			return cur, false, rejectTransition(userID, eff, SubscriptionPastDue)
		}
		since := at.UTC()
		if at.IsZero() || since.After(now) {
			since = now
		}
		next := cur
		next.Status = SubscriptionPastDue
		next.PastDueSince = &since
		return next, true, nil
	})
}

// Cancel schedules or applies cancellation. An effectiveAt at or before now
// cancels immediately; a later one is recorded and the current status stays
// in effect until then. An earlier pending cancel date always wins.
// Cancelling a user who never subscribed is a no-op that leaves no record,
// so the user can still start a trial later.
func (s *Subscriptions) Cancel(ctx context.Context, userID UserID, effectiveAt time.Time) (SubscriptionState, error) {
	return s.transition(ctx, userID, func(cur SubscriptionState, eff SubscriptionStatus, now time.Time) (SubscriptionState, bool, error) {
		switch eff {
		case SubscriptionNone, SubscriptionCancelled:
			return cur, false, nil
		case SubscriptionTrial, SubscriptionActive, SubscriptionPastDue:
		default:
			return cur, false, rejectTransition(userID, eff, SubscriptionCancelled)
		}
		at := effectiveAt.UTC()
		if effectiveAt.IsZero() {
			at = now
		}
		if cur.CancelAt != nil && !at.Before(*cur.CancelAt) {
			return cur, false, nil
		}
		next := cur
		next.CancelAt = &at
		if !at.After(now) {
			next.Status = SubscriptionCancelled
		}
		return next, true, nil
	})
}

func (s *Subscriptions) record(ctx context.Context, prev SubscriptionState, effective SubscriptionStatus, next SubscriptionState, now time.Time) {
	if s.audit == nil {
		return
	}
	action := AuditSubscriptionChanged
	payload := map[string]string{}
	if next.CancelAt != nil && next.Status != SubscriptionCancelled {
		action = AuditCancellationSchedule
		payload["cancel_at"] = next.CancelAt.Format(time.RFC3339)
	}
	if next.CurrentPeriodEnd != nil {
		payload["current_period_end"] = next.CurrentPeriodEnd.Format(time.RFC3339)
	}
	if next.TrialEndAt != nil {
		payload["trial_end_at"] = next.TrialEndAt.Format(time.RFC3339)
	}
	err := s.audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
		UserID:    next.UserID,
		Action:    action,
		Subject:   "subscription",
		From:      string(effective),
		To:        string(next.Status),
		Payload:   payload,
	})
	if err != nil {
		metrics.RecordAuditFailure("subscription")
		s.log.Warn(ctx, "subscription audit entry lost",
			logger.String("user_id", string(next.UserID)),
			logger.String("action", string(action)),
			logger.Error(err))
	}
}

// Apply forwards a normalized billing event to the matching transition.
// trialLength and period fill in EndsAt when the provider left it empty.
func (s *Subscriptions) Apply(ctx context.Context, ev BillingEvent, trialLength, period time.Duration) (SubscriptionState, error) {
	if !ev.Kind.Valid() {
		return SubscriptionState{}, invalid("kind", fmt.Sprintf("unknown billing event %q", ev.Kind))
	}
	if ev.EffectiveAt.IsZero() {
		ev.EffectiveAt = s.clock.Now()
	}
	switch ev.Kind {
	case BillingTrialStarted:
		end := ev.EndsAt
		if end.IsZero() {
			end = ev.EffectiveAt.Add(trialLength)
		}
		return s.StartTrial(ctx, ev.UserID, end)
	case BillingActivated:
		end := ev.EndsAt
		if end.IsZero() {
			end = ev.EffectiveAt.Add(period)
		}
		return s.Activate(ctx, ev.UserID, end)
	case BillingPastDue:
		return s.MarkPastDue(ctx, ev.UserID, ev.EffectiveAt)
	default:
		return s.Cancel(ctx, ev.UserID, ev.EffectiveAt)
	}
}
