// Package store provides in-memory implementations of the engine stores.
package store

import (
	"context"
	"iter"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements EventStore, MilestoneStore, SubscriptionStore and
// AuditLog. Every user owns a separate entry with its own lock, so work
// for one user never waits on another user.
type Memory struct {
	users sync.Map // engine.UserID -> *userEntry

	auditSeq atomic.Uint64

	failMu sync.RWMutex
	fail   error
}

type userEntry struct {
	mu            sync.RWMutex
	events        []engine.ScoredEvent
	eventIDs      map[engine.EventID]bool
	verifications map[engine.EventID]time.Time
	assessments   []engine.AssessmentRecord
	assessmentIDs map[engine.AssessmentID]bool
	milestones    map[engine.MilestoneType]engine.Milestone
	subscription  *engine.SubscriptionState
	audit         []auditRecord
}

// auditRecord keeps the global append order so cross-user queries come
// back in the order entries were written.
type auditRecord struct {
	seq   uint64
	entry engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

// Stores returns m wired into every slot of engine.Stores.
func (m *Memory) Stores() engine.Stores {
	return engine.Stores{Events: m, Milestones: m, Subscriptions: m, Audit: m}
}

// FailWith makes every subsequent call return err. Nil restores normal operation.
func (m *Memory) FailWith(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.fail = err
}

func (m *Memory) failure() error {
	m.failMu.RLock()
	defer m.failMu.RUnlock()
	return m.fail
}

// entry returns the user's entry, creating it on first write.
func (m *Memory) entry(userID engine.UserID) *userEntry {
	if u, ok := m.users.Load(userID); ok {
		return u.(*userEntry)
	}
	u, _ := m.users.LoadOrStore(userID, &userEntry{
		eventIDs:      make(map[engine.EventID]bool),
		verifications: make(map[engine.EventID]time.Time),
		assessmentIDs: make(map[engine.AssessmentID]bool),
		milestones:    make(map[engine.MilestoneType]engine.Milestone),
	})
	return u.(*userEntry)
}

// lookup returns the user's entry, or nil when nothing was ever written.
func (m *Memory) lookup(userID engine.UserID) *userEntry {
	u, ok := m.users.Load(userID)
	if !ok {
		return nil
	}
	return u.(*userEntry)
}

// =============================================================================
// EVENTS
// =============================================================================

// AppendEvent adds a single event. Append-only.
func (m *Memory) AppendEvent(_ context.Context, e engine.ScoredEvent) (engine.EventID, bool, error) {
	if err := m.failure(); err != nil {
		return "", false, err
	}
	u := m.entry(e.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.eventIDs[e.ID] {
		return e.ID, false, nil
	}

	// Verification lives beside the event, not in it.
	if e.Verified {
		at := e.RecordedAt
		if e.VerifiedAt != nil {
			at = *e.VerifiedAt
		}
		u.verifications[e.ID] = at
	}
	e.Verified = false
	e.VerifiedAt = nil

	i := sort.Search(len(u.events), func(i int) bool {
		return eventAfter(u.events[i], e)
	})
	u.events = append(u.events, engine.ScoredEvent{})
	copy(u.events[i+1:], u.events[i:])
	u.events[i] = e
	u.eventIDs[e.ID] = true
	return e.ID, true, nil
}

func eventAfter(a, b engine.ScoredEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	return a.ID > b.ID
}

// Events snapshots the user's history under the read lock and yields it
// without holding the lock.
func (m *Memory) Events(_ context.Context, userID engine.UserID, since time.Time) iter.Seq2[engine.ScoredEvent, error] {
	return func(yield func(engine.ScoredEvent, error) bool) {
		if err := m.failure(); err != nil {
			yield(engine.ScoredEvent{}, err)
			return
		}
		u := m.lookup(userID)
		if u == nil {
			return
		}

		u.mu.RLock()
		start := 0
		if !since.IsZero() {
			start = sort.Search(len(u.events), func(i int) bool {
				return !u.events[i].OccurredAt.Before(since)
			})
		}
		snapshot := make([]engine.ScoredEvent, len(u.events)-start)
		copy(snapshot, u.events[start:])
		for i := range snapshot {
			if at, ok := u.verifications[snapshot[i].ID]; ok {
				snapshot[i].Verified = true
				snapshot[i].VerifiedAt = &at
			}
		}
		u.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory) MarkVerified(_ context.Context, userID engine.UserID, id engine.EventID, at time.Time) (bool, error) {
	if err := m.failure(); err != nil {
		return false, err
	}
	u := m.lookup(userID)
	if u == nil {
		return false, engine.ErrEventNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.eventIDs[id] {
		return false, engine.ErrEventNotFound
	}
	if _, done := u.verifications[id]; done {
		return false, nil
	}
	u.verifications[id] = at
	return true, nil
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

func (m *Memory) AppendAssessment(_ context.Context, a engine.AssessmentRecord) (engine.AssessmentID, bool, error) {
	if err := m.failure(); err != nil {
		return "", false, err
	}
	u := m.entry(a.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.assessmentIDs[a.ID] {
		return a.ID, false, nil
	}
	a.Scores = copyScores(a.Scores)

	i := sort.Search(len(u.assessments), func(i int) bool {
		return u.assessments[i].TakenAt.After(a.TakenAt)
	})
	u.assessments = append(u.assessments, engine.AssessmentRecord{})
	copy(u.assessments[i+1:], u.assessments[i:])
	u.assessments[i] = a
	u.assessmentIDs[a.ID] = true
	return a.ID, true, nil
}

func (m *Memory) Assessments(_ context.Context, userID engine.UserID) iter.Seq2[engine.AssessmentRecord, error] {
	return func(yield func(engine.AssessmentRecord, error) bool) {
		if err := m.failure(); err != nil {
			yield(engine.AssessmentRecord{}, err)
			return
		}
		u := m.lookup(userID)
		if u == nil {
			return
		}

		u.mu.RLock()
		snapshot := make([]engine.AssessmentRecord, len(u.assessments))
		copy(snapshot, u.assessments)
		u.mu.RUnlock()

		for _, a := range snapshot {
			a.Scores = copyScores(a.Scores)
			if !yield(a, nil) {
				return
			}
		}
	}
}

func copyScores(in map[engine.Dimension]*int) map[engine.Dimension]*int {
	if in == nil {
		return nil
	}
	out := make(map[engine.Dimension]*int, len(in))
	for d, v := range in {
		if v == nil {
			out[d] = nil
			continue
		}
		score := *v
		out[d] = &score
	}
	return out
}

// =============================================================================
// MILESTONES
// =============================================================================

func (m *Memory) CreateMilestone(_ context.Context, ms engine.Milestone) (engine.Milestone, bool, error) {
	if err := m.failure(); err != nil {
		return engine.Milestone{}, false, err
	}
	u := m.entry(ms.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if existing, ok := u.milestones[ms.Type]; ok {
		return cloneMilestone(existing), false, nil
	}
	u.milestones[ms.Type] = cloneMilestone(ms)
	return cloneMilestone(ms), true, nil
}

func (m *Memory) GetMilestone(_ context.Context, userID engine.UserID, typ engine.MilestoneType) (engine.Milestone, bool, error) {
	if err := m.failure(); err != nil {
		return engine.Milestone{}, false, err
	}
	u := m.lookup(userID)
	if u == nil {
		return engine.Milestone{}, false, nil
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	ms, ok := u.milestones[typ]
	if !ok {
		return engine.Milestone{}, false, nil
	}
	return cloneMilestone(ms), true, nil
}

func (m *Memory) CompareAndSwapMilestone(_ context.Context, from engine.MilestoneStatus, next engine.Milestone) (bool, error) {
	if err := m.failure(); err != nil {
		return false, err
	}
	u := m.lookup(next.UserID)
	if u == nil {
		return false, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	current, ok := u.milestones[next.Type]
	if !ok || current.Status != from {
		return false, nil
	}
	u.milestones[next.Type] = cloneMilestone(next)
	return true, nil
}

func (m *Memory) ListMilestones(_ context.Context, userID engine.UserID) ([]engine.Milestone, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	u := m.lookup(userID)
	if u == nil {
		return nil, nil
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	var out []engine.Milestone
	for _, ms := range u.milestones {
		out = append(out, cloneMilestone(ms))
	}
	return out, nil
}

// PendingMilestones visits users one at a time; it never holds more than
// one user's lock.
func (m *Memory) PendingMilestones(_ context.Context) ([]engine.Milestone, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	var out []engine.Milestone
	m.users.Range(func(_, v any) bool {
		u := v.(*userEntry)
		u.mu.RLock()
		for _, ms := range u.milestones {
			if ms.Status == engine.MilestonePending {
				out = append(out, cloneMilestone(ms))
			}
		}
		u.mu.RUnlock()
		return true
	})
	return out, nil
}

func cloneMilestone(ms engine.Milestone) engine.Milestone {
	if ms.Metadata != nil {
		ms.Metadata = maps.Clone(ms.Metadata)
	}
	return ms
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func (m *Memory) GetSubscription(_ context.Context, userID engine.UserID) (engine.SubscriptionState, bool, error) {
	if err := m.failure(); err != nil {
		return engine.SubscriptionState{}, false, err
	}
	u := m.lookup(userID)
	if u == nil {
		return engine.SubscriptionState{}, false, nil
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.subscription == nil {
		return engine.SubscriptionState{}, false, nil
	}
	return *u.subscription, true, nil
}

func (m *Memory) PutSubscription(_ context.Context, state engine.SubscriptionState) error {
	if err := m.failure(); err != nil {
		return err
	}
	u := m.entry(state.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.subscription = &state
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry engine.AuditEntry) error {
	if err := m.failure(); err != nil {
		return err
	}
	entry.Payload = maps.Clone(entry.Payload)

	u := m.entry(entry.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.audit = append(u.audit, auditRecord{seq: m.auditSeq.Add(1), entry: entry})
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}

	var matched []auditRecord
	collect := func(u *userEntry) {
		u.mu.RLock()
		defer u.mu.RUnlock()
		for _, rec := range u.audit {
			if filter.Matches(rec.entry) {
				matched = append(matched, rec)
			}
		}
	}

	if filter.UserID != nil {
		if u := m.lookup(*filter.UserID); u != nil {
			collect(u)
		}
	} else {
		m.users.Range(func(_, v any) bool {
			collect(v.(*userEntry))
			return true
		})
		sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	}

	if len(matched) == 0 {
		return nil, nil
	}
	out := make([]engine.AuditEntry, len(matched))
	for i, rec := range matched {
		out[i] = rec.entry
	}
	return out, nil
}
