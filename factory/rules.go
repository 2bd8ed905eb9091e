/*
Package factory provides JSON to Go conversion for progression profiles.

PURPOSE:
  Converts a JSON profile (level table, milestone deadlines and capability
  rules) into the engine types. Product and coaching staff edit the JSON;
  the factory validates it and builds the structs the engine runs on.

JSON SCHEMA:
  {
    "levels": [
      {"name": "Foundation",   "threshold": "0"},
      {"name": "Intermediate", "threshold": "500"}
    ],
    "milestone_deadlines": {
      "onboarding_call": "168h"
    },
    "rules": [
      {
        "capability": "advanced_playbooks",
        "subscriptions": ["active"],
        "min_level": "Intermediate",
        "milestones": ["first_assessment"]
      }
    ]
  }

  Thresholds are decimal strings so fractional points survive unchanged.
  Deadlines use Go duration syntax.

KEY FEATURES:
  - Rejects unknown fields, statuses and milestone types
  - Rules are checked against the levels of the same profile
  - A profile without levels may be parsed against an existing table

USAGE:
  f := factory.NewRuleFactory()

  profile, err := f.ParseProfile(coaching.StandardProfileJSON())
  eng, err := engine.New(stores, profile.Options()...)

SEE ALSO:
  - engine/access.go: Rule and RuleTable
  - engine/scoring.go: LevelTable
  - coaching/presets.go: Ready-made profiles
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProfileJSON is the JSON representation of a progression profile.
type ProfileJSON struct {
	Levels             []LevelJSON       `json:"levels,omitempty"`
	MilestoneDeadlines map[string]string `json:"milestone_deadlines,omitempty"`
	Rules              []RuleJSON        `json:"rules,omitempty"`
}

// LevelJSON is one row of the level table.
type LevelJSON struct {
	Name      string `json:"name"`
	Threshold string `json:"threshold"`
}

// RuleJSON gates one capability.
type RuleJSON struct {
	Capability    string   `json:"capability"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	MinLevel      string   `json:"min_level,omitempty"`
	Milestones    []string `json:"milestones,omitempty"`
}

// Profile is a parsed, validated ProfileJSON.
type Profile struct {
	Levels    engine.LevelTable
	Deadlines engine.DeadlinePolicy
	Rules     []engine.Rule
}

// Options turns the profile into engine options.
func (p *Profile) Options() []engine.Option {
	opts := []engine.Option{engine.WithRules(p.Rules...)}
	if !p.Levels.IsZero() {
		opts = append(opts, engine.WithLevels(p.Levels))
	}
	if len(p.Deadlines) > 0 {
		opts = append(opts, engine.WithMilestoneDeadlines(p.Deadlines))
	}
	return opts
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON profiles to engine structs.
type RuleFactory struct {
	fallback engine.LevelTable
}

// NewRuleFactory creates a factory. Profiles that omit levels are checked
// against fallback, when given.
func NewRuleFactory(fallback ...engine.Level) *RuleFactory {
	f := &RuleFactory{}
	if len(fallback) > 0 {
		f.fallback = engine.MustLevelTable(fallback...)
	}
	return f
}

// ParseProfile parses a JSON string into a Profile.
func (f *RuleFactory) ParseProfile(jsonStr string) (*Profile, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.DisallowUnknownFields()

	var pj ProfileJSON
	if err := dec.Decode(&pj); err != nil {
		return nil, fmt.Errorf("failed to parse profile JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads and parses a profile from disk.
func (f *RuleFactory) LoadFile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return f.ParseProfile(string(b))
}

// FromJSON converts ProfileJSON to a Profile.
func (f *RuleFactory) FromJSON(pj ProfileJSON) (*Profile, error) {
	p := &Profile{Levels: f.fallback}

	if len(pj.Levels) > 0 {
		levels, err := ParseLevels(pj.Levels)
		if err != nil {
			return nil, err
		}
		p.Levels = levels
	}

	deadlines, err := ParseDeadlines(pj.MilestoneDeadlines)
	if err != nil {
		return nil, err
	}
	p.Deadlines = deadlines

	for _, rj := range pj.Rules {
		p.Rules = append(p.Rules, parseRule(rj))
	}

	// Validate the rules in the context of the resolved level table
	levels := p.Levels
	if levels.IsZero() {
		levels = engine.MustLevelTable(engine.Level{Threshold: decimal.Zero, Name: "Foundation"})
	}
	if _, err := engine.NewRuleTable(levels, p.Rules...); err != nil {
		return nil, err
	}
	return p, nil
}

// ToJSON converts a Profile back to its JSON form. Rules are sorted by
// capability so output is stable.
func (f *RuleFactory) ToJSON(p *Profile) ProfileJSON {
	var pj ProfileJSON

	for _, l := range p.Levels.Levels() {
		pj.Levels = append(pj.Levels, LevelJSON{Name: l.Name, Threshold: l.Threshold.String()})
	}

	if len(p.Deadlines) > 0 {
		pj.MilestoneDeadlines = make(map[string]string, len(p.Deadlines))
		for typ, d := range p.Deadlines {
			pj.MilestoneDeadlines[string(typ)] = d.String()
		}
	}

	rules := append([]engine.Rule(nil), p.Rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Capability < rules[j].Capability })
	for _, r := range rules {
		rj := RuleJSON{Capability: string(r.Capability), MinLevel: r.MinLevel}
		for _, s := range r.Subscriptions {
			rj.Subscriptions = append(rj.Subscriptions, string(s))
		}
		for _, m := range r.Milestones {
			rj.Milestones = append(rj.Milestones, string(m))
		}
		pj.Rules = append(pj.Rules, rj)
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseLevels builds a validated LevelTable.
func ParseLevels(ljs []LevelJSON) (engine.LevelTable, error) {
	levels := make([]engine.Level, 0, len(ljs))
	for _, lj := range ljs {
		threshold, err := decimal.NewFromString(lj.Threshold)
		if err != nil {
			return engine.LevelTable{}, &engine.ValidationError{
				Field:  "levels.threshold",
				Reason: fmt.Sprintf("level %q: %v", lj.Name, err),
			}
		}
		levels = append(levels, engine.Level{Name: lj.Name, Threshold: threshold})
	}
	return engine.NewLevelTable(levels...)
}

// ParseDeadlines builds a validated DeadlinePolicy. A nil or empty map
// yields a nil policy.
func ParseDeadlines(raw map[string]string) (engine.DeadlinePolicy, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	p := make(engine.DeadlinePolicy, len(raw))
	for name, s := range raw {
		typ, err := engine.ParseMilestoneType(name)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, &engine.ValidationError{
				Field:  "milestone_deadlines",
				Reason: fmt.Sprintf("%s: %v", name, err),
			}
		}
		p[typ] = d
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRule(rj RuleJSON) engine.Rule {
	r := engine.Rule{
		Capability: engine.Capability(rj.Capability),
		MinLevel:   rj.MinLevel,
	}
	for _, s := range rj.Subscriptions {
		r.Subscriptions = append(r.Subscriptions, engine.SubscriptionStatus(s))
	}
	for _, m := range rj.Milestones {
		r.Milestones = append(r.Milestones, engine.MilestoneType(m))
	}
	return r
}
