/*
engine.go - Composition of the five components

PURPOSE:
  Engine wires the event log, scorer, milestone tracker, subscription
  machine and access evaluator over one set of stores, and exposes the
  operations collaborators call.

EXPOSED:
  GetStanding, Evaluate, ListMilestones, GetSubscriptionState
  plus the intake commands (RecordEvent, RecordAssessment, VerifyEvent,
  ApplyBillingEvent) and direct milestone commands.

REACTIONS:
  Some inputs complete milestones automatically:

    verified scored action        -> first_scored_action
    standing above the lowest level -> first_level_up
    assessment recorded           -> first_assessment
    billing trial_started         -> trial_started
    billing activated             -> payment_confirmed

  Reactions run after the triggering write is committed. A failing
  reaction is logged and counted, never reported as a failure of the
  write itself; the next qualifying input retries it, and Complete is
  idempotent.

SEE ALSO:
  - api/handlers.go: HTTP surface over Engine
  - config/config.go: Options sourced from configuration
*/
package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/pkg/logger"
)

const (
	DefaultCacheSize     = 4096
	DefaultTrialLength   = 14 * 24 * time.Hour
	DefaultBillingPeriod = 30 * 24 * time.Hour
)

type Engine struct {
	events        *EventLog
	scorer        *Scorer
	milestones    *Tracker
	subscriptions *Subscriptions
	gate          *Evaluator
	audit         AuditLog

	log   logger.Logger
	clock Clock

	trialLength   time.Duration
	billingPeriod time.Duration
}

type settings struct {
	log           logger.Logger
	clock         Clock
	levels        LevelTable
	rules         []Rule
	deadlines     DeadlinePolicy
	cacheSize     int
	trialLength   time.Duration
	billingPeriod time.Duration
	pastDueGrace  time.Duration
}

// Option configures an Engine.
type Option func(*settings)

func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLevels(t LevelTable) Option {
	return func(s *settings) { s.levels = t }
}

func WithRules(rules ...Rule) Option {
	return func(s *settings) { s.rules = rules }
}

func WithMilestoneDeadlines(p DeadlinePolicy) Option {
	return func(s *settings) { s.deadlines = p }
}

// WithCacheSize sets the standing cache capacity. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(s *settings) { s.cacheSize = n }
}

func WithTrialLength(d time.Duration) Option {
	return func(s *settings) { s.trialLength = d }
}

func WithBillingPeriod(d time.Duration) Option {
	return func(s *settings) { s.billingPeriod = d }
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *settings) { s.pastDueGrace = d }
}

// New builds an Engine over stores. Without WithLevels the table has a
// single "Foundation" level; without WithRules every capability is unknown.
func New(stores Stores, opts ...Option) (*Engine, error) {
	if stores.Events == nil || stores.Milestones == nil || stores.Subscriptions == nil {
		return nil, fmt.Errorf("engine: events, milestones and subscriptions stores are required")
	}
	cfg := settings{
		log:           logger.Nop(),
		clock:         SystemClock,
		cacheSize:     DefaultCacheSize,
		trialLength:   DefaultTrialLength,
		billingPeriod: DefaultBillingPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.levels.IsZero() {
		cfg.levels = MustLevelTable(Level{Threshold: decimal.Zero, Name: "Foundation"})
	}
	if err := cfg.deadlines.Validate(); err != nil {
		return nil, err
	}
	if cfg.trialLength <= 0 || cfg.billingPeriod <= 0 {
		return nil, invalid("trial_length", "trial length and billing period must be positive")
	}
	rules, err := NewRuleTable(cfg.levels, cfg.rules...)
	if err != nil {
		return nil, err
	}

	var cache *StandingCache
	if cfg.cacheSize > 0 {
		if cache, err = NewStandingCache(cfg.cacheSize); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		audit:         stores.Audit,
		log:           cfg.log,
		clock:         cfg.clock,
		trialLength:   cfg.trialLength,
		billingPeriod: cfg.billingPeriod,
	}
	e.events = NewEventLog(stores.Events, WithEventClock(cfg.clock))
	e.scorer = NewScorer(e.events, cfg.levels, cache)
	e.milestones = NewTracker(stores.Milestones,
		WithDeadlines(cfg.deadlines),
		WithTrackerAudit(stores.Audit),
		WithTrackerClock(cfg.clock),
		WithTrackerLogger(cfg.log.Named("milestones")))
	e.subscriptions = NewSubscriptions(stores.Subscriptions,
		WithSubscriptionClock(cfg.clock),
		WithPastDueGrace(cfg.pastDueGrace),
		WithSubscriptionAudit(stores.Audit),
		WithSubscriptionLogger(cfg.log.Named("subscriptions")))
	e.gate = NewEvaluator(rules, cfg.levels, e.scorer, e.subscriptions, e.milestones)

	e.milestones.Subscribe(func(ctx context.Context, m Milestone) {
		e.log.Info(ctx, "milestone completed",
			logger.String("user_id", string(m.UserID)),
			logger.String("milestone_type", string(m.Type)))
	})
	return e, nil
}

// Accessors for collaborators that need a component directly.
func (e *Engine) Events() *EventLog { return e.events }
func (e *Engine) Scorer() *Scorer { return e.scorer }
func (e *Engine) Milestones() *Tracker { return e.milestones }
func (e *Engine) Subscriptions() *Subscriptions { return e.subscriptions }
func (e *Engine) Gate() *Evaluator { return e.gate }
func (e *Engine) Levels() LevelTable { return e.scorer.Levels() }
func (e *Engine) Capabilities() []Capability { return e.gate.Rules().Capabilities() }
func (e *Engine) OnMilestone(fn MilestoneListener) { e.milestones.Subscribe(fn) }

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) GetStanding(ctx context.Context, userID UserID) (CompetencyStanding, error) {
	if userID == "" {
		return CompetencyStanding{}, invalid("user_id", "must not be empty")
	}
	return e.scorer.Standing(ctx, userID)
}

func (e *Engine) Evaluate(ctx context.Context, userID UserID, capability Capability) AccessDecision {
	return e.gate.Evaluate(ctx, userID, capability)
}

func (e *Engine) ListMilestones(ctx context.Context, userID UserID) ([]Milestone, error) {
	if userID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	return e.milestones.List(ctx, userID)
}

func (e *Engine) GetSubscriptionState(ctx context.Context, userID UserID) (SubscriptionState, error) {
	return e.subscriptions.Get(ctx, userID)
}

func (e *Engine) History(ctx context.Context, userID UserID, since time.Time) iter.Seq2[ScoredEvent, error] {
	return e.events.History(ctx, userID, since)
}

func (e *Engine) Assessments(ctx context.Context, userID UserID) iter.Seq2[AssessmentRecord, error] {
	return e.events.Assessments(ctx, userID)
}

// Audit returns matching audit entries. Engines without an audit log return none.
func (e *Engine) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if e.audit == nil {
		return nil, nil
	}
	entries, err := e.audit.QueryAudit(ctx, filter)
	if err != nil {
		return nil, Unavailable("query audit", err)
	}
	return entries, nil
}

// =============================================================================
// INTAKE
// =============================================================================

func (e *Engine) RecordEvent(ctx context.Context, ev ScoredEvent) (EventID, error) {
	id, err := e.events.Append(ctx, ev)
	if err != nil {
		return "", err
	}
	if ev.Verified {
		e.afterVerified(ctx, ev.UserID, ev.OccurredAt)
	}
	return id, nil
}

func (e *Engine) VerifyEvent(ctx context.Context, userID UserID, id EventID, at time.Time) error {
	if at.IsZero() {
		at = e.clock.Now()
	}
	if err := e.events.Verify(ctx, userID, id, at); err != nil {
		return err
	}
	e.afterVerified(ctx, userID, at)
	return nil
}

func (e *Engine) RecordAssessment(ctx context.Context, a AssessmentRecord) (AssessmentID, error) {
	id, err := e.events.AppendAssessment(ctx, a)
	if err != nil {
		return "", err
	}
	e.react(ctx, a.UserID, MilestoneFirstAssessment, a.TakenAt, map[string]string{
		"assessment_id": string(id),
		"kind":          string(a.Kind),
	})
	return id, nil
}

// ApplyBillingEvent translates a normalized billing event into a
// subscription transition.
func (e *Engine) ApplyBillingEvent(ctx context.Context, ev BillingEvent) (SubscriptionState, error) {
	state, err := e.subscriptions.Apply(ctx, ev, e.trialLength, e.billingPeriod)
	if err != nil {
		metrics.RecordBillingEvent(string(ev.Kind), "rejected")
		return state, err
	}
	metrics.RecordBillingEvent(string(ev.Kind), "applied")

	at := ev.EffectiveAt
	if at.IsZero() {
		at = e.clock.Now()
	}
	switch ev.Kind {
	case BillingTrialStarted:
		e.react(ctx, ev.UserID, MilestoneTrialStarted, at, nil)
	case BillingActivated:
		e.react(ctx, ev.UserID, MilestonePaymentConfirmed, at, nil)
	}
	return state, nil
}

// =============================================================================
// MILESTONE COMMANDS
// =============================================================================

func (e *Engine) RecordMilestoneAttempt(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, error) {
	return e.milestones.RecordAttempt(ctx, userID, typ)
}

func (e *Engine) CompleteMilestone(ctx context.Context, userID UserID, typ MilestoneType, at time.Time, metadata map[string]string) (Milestone, error) {
	return e.milestones.CompleteWith(ctx, userID, typ, at, metadata)
}

func (e *Engine) ExpireMilestone(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, bool, error) {
	return e.milestones.Expire(ctx, userID, typ, e.clock.Now())
}

// ExpireDue expires overdue milestones for one user, or all users when
// userID is empty.
func (e *Engine) ExpireDue(ctx context.Context, userID UserID) ([]Milestone, error) {
	start := time.Now()
	expired, err := e.milestones.ExpireDue(ctx, userID, e.clock.Now())
	metrics.RecordSweep(len(expired), time.Since(start))
	return expired, err
}

// =============================================================================
// REACTIONS
// =============================================================================

func (e *Engine) afterVerified(ctx context.Context, userID UserID, at time.Time) {
	e.react(ctx, userID, MilestoneFirstScoredAction, at, nil)

	standing, err := e.scorer.Standing(ctx, userID)
	if err != nil {
		e.log.Warn(ctx, "standing unavailable for level-up reaction",
			logger.String("user_id", string(userID)), logger.Error(err))
		return
	}
	rank, ok := e.scorer.Levels().Rank(standing.CurrentLevel)
	if !ok || rank == 0 {
		return
	}
	e.react(ctx, userID, MilestoneFirstLevelUp, at, map[string]string{
		"level":        standing.CurrentLevel,
		"total_points": standing.TotalPoints.String(),
	})
}

func (e *Engine) react(ctx context.Context, userID UserID, typ MilestoneType, at time.Time, metadata map[string]string) {
	if at.IsZero() {
		at = e.clock.Now()
	}
	current, found, err := e.milestones.Get(ctx, userID, typ)
	if err == nil && found && current.Status != MilestonePending {
		return
	}
	if err == nil {
		_, err = e.milestones.CompleteWith(ctx, userID, typ, at, metadata)
	}
	if err != nil {
		metrics.RecordReactionFailure(string(typ))
		e.log.Warn(ctx, "milestone reaction failed",
			logger.String("user_id", string(userID)),
			logger.String("milestone_type", string(typ)),
			logger.Error(err))
	}
}
