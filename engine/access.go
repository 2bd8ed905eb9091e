/*
access.go - Access-gate evaluator

PURPOSE:
  The single decision point for "may user U use capability C right now?".
  Combines subscription state, competency level and milestone completion
  against a declarative rule table.

RULE SHAPE:
  capability X requires
      subscription IN {trial, active}     (empty set = any status)
      AND level >= L                      (empty = no level gate)
      AND milestones M1, M2 completed     (empty = no milestone gate)

EVALUATION ORDER:
  1. Subscription gate (cheapest, most restrictive)
  2. Level gate
  3. Milestone gate
  The first failing gate short-circuits and its reason is reported. Later
  gates are never read.

NEVER FAILS:
  Evaluate always returns a decision. An unknown capability is a normal
  denial (reason unknown_capability). A read failure denies with reason
  unavailable, so a broken store never grants access.

SIDE EFFECTS:
  None. Evaluate only reads, so it can run on every request.

SEE ALSO:
  - factory/rules.go: Builds a RuleTable from JSON
  - coaching/presets.go: Default rule set
*/
package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/warp/progression-engine/metrics"
)

// =============================================================================
// RULES
// =============================================================================

type Capability string

type Rule struct {
	Capability    Capability
	Subscriptions []SubscriptionStatus
	MinLevel      string
	Milestones    []MilestoneType
}

// RuleTable is an immutable set of rules keyed by capability.
type RuleTable struct {
	rules map[Capability]Rule
}

// NewRuleTable validates rules against the closed enumerations and the
// level table. A capability may appear only once.
func NewRuleTable(levels LevelTable, rules ...Rule) (RuleTable, error) {
	table := RuleTable{rules: make(map[Capability]Rule, len(rules))}
	for _, r := range rules {
		if r.Capability == "" {
			return RuleTable{}, invalid("capability", "must not be empty")
		}
		if _, dup := table.rules[r.Capability]; dup {
			return RuleTable{}, invalid("capability", fmt.Sprintf("duplicate rule for %q", r.Capability))
		}
		for _, s := range r.Subscriptions {
			if !s.Valid() {
				return RuleTable{}, invalid("subscriptions", fmt.Sprintf("%s: unknown status %q", r.Capability, s))
			}
		}
		if r.MinLevel != "" {
			if _, ok := levels.Rank(r.MinLevel); !ok {
				return RuleTable{}, invalid("min_level", fmt.Sprintf("%s: unknown level %q", r.Capability, r.MinLevel))
			}
		}
		for _, m := range r.Milestones {
			if !m.Valid() {
				return RuleTable{}, fmt.Errorf("%s: %w: %q", r.Capability, ErrUnknownMilestoneType, m)
			}
		}
		r.Subscriptions = slices.Clone(r.Subscriptions)
		r.Milestones = slices.Clone(r.Milestones)
		table.rules[r.Capability] = r
	}
	return table, nil
}

func (t RuleTable) Lookup(c Capability) (Rule, error) {
	r, ok := t.rules[c]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	return r, nil
}

// Capabilities lists every configured capability in sorted order.
func (t RuleTable) Capabilities() []Capability {
	out := make([]Capability, 0, len(t.rules))
	for c := range t.rules {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t RuleTable) Len() int { return len(t.rules) }

// =============================================================================
// DECISIONS
// =============================================================================

type DecisionReason string

const (
	ReasonAllowed              DecisionReason = "allowed"
	ReasonUnknownCapability    DecisionReason = "unknown_capability"
	ReasonSubscriptionRequired DecisionReason = "subscription_required"
	ReasonLevelTooLow          DecisionReason = "level_too_low"
	ReasonMilestoneIncomplete  DecisionReason = "milestone_incomplete"
	ReasonUnavailable          DecisionReason = "unavailable"
)

// AccessDecision is computed per request and never persisted.
type AccessDecision struct {
	UserID     UserID
	Capability Capability
	Allowed    bool
	Reason     DecisionReason
	Detail     string
}

// =============================================================================
// EVALUATOR
// =============================================================================

// StandingReader, SubscriptionReader and MilestoneReader are the views the
// evaluator needs. Scorer, Subscriptions and Tracker satisfy them.
type StandingReader interface {
	Standing(ctx context.Context, userID UserID) (CompetencyStanding, error)
}

type SubscriptionReader interface {
	Get(ctx context.Context, userID UserID) (SubscriptionState, error)
}

type MilestoneReader interface {
	Get(ctx context.Context, userID UserID, typ MilestoneType) (Milestone, bool, error)
}

type Evaluator struct {
	rules         RuleTable
	levels        LevelTable
	standings     StandingReader
	subscriptions SubscriptionReader
	milestones    MilestoneReader
}

func NewEvaluator(rules RuleTable, levels LevelTable, standings StandingReader, subs SubscriptionReader, milestones MilestoneReader) *Evaluator {
	return &Evaluator{
		rules:         rules,
		levels:        levels,
		standings:     standings,
		subscriptions: subs,
		milestones:    milestones,
	}
}

func (e *Evaluator) Rules() RuleTable { return e.rules }

// Evaluate decides whether userID may use capability now.
func (e *Evaluator) Evaluate(ctx context.Context, userID UserID, capability Capability) AccessDecision {
	start := time.Now()
	d := e.evaluate(ctx, userID, capability)
	metrics.RecordAccessDecision(string(d.Reason), time.Since(start))
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, userID UserID, capability Capability) AccessDecision {
	d := AccessDecision{UserID: userID, Capability: capability}
	deny := func(reason DecisionReason, detail string) AccessDecision {
		d.Reason = reason
		d.Detail = detail
		return d
	}

	rule, err := e.rules.Lookup(capability)
	if err != nil {
		return deny(ReasonUnknownCapability, err.Error())
	}
	if userID == "" {
		return deny(ReasonUnavailable, "no user")
	}

	if len(rule.Subscriptions) > 0 {
		state, err := e.subscriptions.Get(ctx, userID)
		if err != nil {
			return deny(ReasonUnavailable, err.Error())
		}
		if !slices.Contains(rule.Subscriptions, state.Status) {
			return deny(ReasonSubscriptionRequired,
				fmt.Sprintf("status %s not in [%s]", state.Status, joinStatuses(rule.Subscriptions)))
		}
	}

	if rule.MinLevel != "" {
		standing, err := e.standings.Standing(ctx, userID)
		if err != nil {
			return deny(ReasonUnavailable, err.Error())
		}
		required, _ := e.levels.Rank(rule.MinLevel)
		current, ok := e.levels.Rank(standing.CurrentLevel)
		if !ok || current < required {
			return deny(ReasonLevelTooLow,
				fmt.Sprintf("level %s below %s", standing.CurrentLevel, rule.MinLevel))
		}
	}

	for _, typ := range rule.Milestones {
		m, found, err := e.milestones.Get(ctx, userID, typ)
		if err != nil {
			return deny(ReasonUnavailable, err.Error())
		}
		if !found || !m.IsCompleted() {
			return deny(ReasonMilestoneIncomplete, string(typ))
		}
	}

	d.Allowed = true
	d.Reason = ReasonAllowed
	return d
}

func joinStatuses(ss []SubscriptionStatus) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
