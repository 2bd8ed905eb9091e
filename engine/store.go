/*
store.go - Persistence interfaces for the engine

PURPOSE:
  Defines the boundary between the decision logic and storage. The engine
  never talks to a database directly; it depends on these interfaces.
  Implementations: engine/store (in-memory, sharded) and store/sqlite.

KEY INTERFACES:
  EventStore:        Append-only scored events, verifications, assessments
  MilestoneStore:    One row per (user, milestone type), compare-and-swap status
  SubscriptionStore: One live subscription record per user
  AuditLog:          Append-only record of every state transition

APPEND-ONLY CONTRACT:
  EventStore has no Update and no Delete. Verification is stored as a
  separate fact joined onto the event when history is read, so the event
  row itself never changes.

IDEMPOTENCY:
  Events and assessments carrying a caller-supplied ID are written at most
  once. A repeated append returns the existing identifier with created=false.

COMPARE-AND-SWAP:
  Milestone status changes go through CompareAndSwapMilestone. Two
  concurrent completions resolve to exactly one winner: the loser observes
  swapped=false and re-reads the row.

ERRORS:
  Implementations report infrastructure failures wrapped as StorageError
  (see Unavailable) so callers can treat them as retryable.

SEE ALSO:
  - events.go: EventLog on top of EventStore
  - milestone.go: Tracker on top of MilestoneStore
  - subscription.go: Subscriptions on top of SubscriptionStore
*/
package engine

import (
	"context"
	"iter"
	"time"
)

// =============================================================================
// EVENT STORE - Append-only
// =============================================================================

type EventStore interface {
	// AppendEvent persists e. If e.ID already exists for the user, nothing is
	// written and the existing ID is returned with created=false.
	AppendEvent(ctx context.Context, e ScoredEvent) (id EventID, created bool, err error)

	// Events yields the user's events with OccurredAt >= since, ascending by
	// OccurredAt then RecordedAt then ID. Each range re-reads the store.
	Events(ctx context.Context, userID UserID, since time.Time) iter.Seq2[ScoredEvent, error]

	// MarkVerified records that the event was verified at at. Returns
	// changed=false if it was already verified, ErrEventNotFound if unknown.
	MarkVerified(ctx context.Context, userID UserID, id EventID, at time.Time) (changed bool, err error)

	// AppendAssessment persists a finalized assessment, idempotent by ID.
	AppendAssessment(ctx context.Context, a AssessmentRecord) (id AssessmentID, created bool, err error)

	// Assessments yields the user's assessments ascending by TakenAt.
	Assessments(ctx context.Context, userID UserID) iter.Seq2[AssessmentRecord, error]
}

// =============================================================================
// MILESTONE STORE
// =============================================================================

type MilestoneStore interface {
	// CreateMilestone inserts m if no row exists for (m.UserID, m.Type) and
	// returns the row now stored.
	CreateMilestone(ctx context.Context, m Milestone) (stored Milestone, created bool, err error)

	GetMilestone(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, bool, error)

	// CompareAndSwapMilestone replaces the row with next only if its current
	// status equals from.
	CompareAndSwapMilestone(ctx context.Context, from MilestoneStatus, next Milestone) (swapped bool, err error)

	ListMilestones(ctx context.Context, userID UserID) ([]Milestone, error)

	// PendingMilestones returns every pending row across users.
	PendingMilestones(ctx context.Context) ([]Milestone, error)
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

type SubscriptionStore interface {
	// GetSubscription returns the stored record; found=false means the user
	// has never had one (status none).
	GetSubscription(ctx context.Context, userID UserID) (state SubscriptionState, found bool, err error)

	// PutSubscription replaces the user's single live record.
	PutSubscription(ctx context.Context, state SubscriptionState) error
}

// =============================================================================
// AUDIT LOG - Tracks every transition, append-only
// =============================================================================

type AuditAction string

const (
	AuditMilestoneCreated     AuditAction = "milestone_created"
	AuditMilestoneCompleted   AuditAction = "milestone_completed"
	AuditMilestoneExpired     AuditAction = "milestone_expired"
	AuditSubscriptionChanged  AuditAction = "subscription_changed"
	AuditCancellationSchedule AuditAction = "cancellation_scheduled"
)

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	UserID    UserID
	Action    AuditAction
	Subject   string // milestone type, or "subscription"
	From      string
	To        string
	Payload   map[string]string
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	UserID  *UserID
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}

// Matches reports whether entry passes the filter.
func (f AuditFilter) Matches(entry AuditEntry) bool {
	if f.UserID != nil && entry.UserID != *f.UserID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == entry.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && entry.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Stores bundles the persistence dependencies of an Engine.
type Stores struct {
	Events        EventStore
	Milestones    MilestoneStore
	Subscriptions SubscriptionStore
	Audit         AuditLog // optional
}
