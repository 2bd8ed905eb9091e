/*
Package coaching provides ready-made progression profiles for the sales
coaching product.

These functions return JSON profile definitions. They build JSON directly
so the package does not import factory.

LEVELS:
  Foundation      0 points
  Intermediate  500 points
  Advanced     1500 points
  Expert       3000 points

CAPABILITIES (StandardProfileJSON):
  practice_arena      trial or active
  coach_feedback      trial or active, first_scored_action
  advanced_playbooks  active, Intermediate, first_assessment
  expert_roundtable   active, Expert, first_level_up and onboarding_call
  public_profile      any subscription, profile_completed

USAGE:
  import "github.com/warp/progression-engine/coaching"

  profile, err := factory.NewRuleFactory().ParseProfile(coaching.StandardProfileJSON())

SEE ALSO:
  - factory/rules.go: Parses these profiles
*/
package coaching

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
)

// Capabilities of the standard profile.
const (
	PracticeArena     engine.Capability = "practice_arena"
	CoachFeedback     engine.Capability = "coach_feedback"
	AdvancedPlaybooks engine.Capability = "advanced_playbooks"
	ExpertRoundtable  engine.Capability = "expert_roundtable"
	PublicProfile     engine.Capability = "public_profile"
)

// DefaultLevels returns the four-tier coaching ladder.
func DefaultLevels() []engine.Level {
	return []engine.Level{
		{Name: "Foundation", Threshold: decimal.Zero},
		{Name: "Intermediate", Threshold: decimal.NewFromInt(500)},
		{Name: "Advanced", Threshold: decimal.NewFromInt(1500)},
		{Name: "Expert", Threshold: decimal.NewFromInt(3000)},
	}
}

func levelsJSON() []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, l := range DefaultLevels() {
		out = append(out, map[string]interface{}{
			"name":      l.Name,
			"threshold": l.Threshold.String(),
		})
	}
	return out
}

// StandardProfileJSON returns the default coaching profile: levels,
// a one-week onboarding call deadline and the standard capability rules.
func StandardProfileJSON() string {
	pj := map[string]interface{}{
		"levels": levelsJSON(),
		"milestone_deadlines": map[string]interface{}{
			"onboarding_call": "168h",
		},
		"rules": []map[string]interface{}{
			{
				"capability":    PracticeArena,
				"subscriptions": []string{"trial", "active"},
			},
			{
				"capability":    CoachFeedback,
				"subscriptions": []string{"trial", "active"},
				"milestones":    []string{"first_scored_action"},
			},
			{
				"capability":    AdvancedPlaybooks,
				"subscriptions": []string{"active"},
				"min_level":     "Intermediate",
				"milestones":    []string{"first_assessment"},
			},
			{
				"capability":    ExpertRoundtable,
				"subscriptions": []string{"active"},
				"min_level":     "Expert",
				"milestones":    []string{"first_level_up", "onboarding_call"},
			},
			{
				"capability": PublicProfile,
				"milestones": []string{"profile_completed"},
			},
		},
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// TrialOnlyProfileJSON returns a profile for a free-trial funnel: every
// capability is open during trial and nothing depends on level.
func TrialOnlyProfileJSON() string {
	pj := map[string]interface{}{
		"levels": levelsJSON(),
		"rules": []map[string]interface{}{
			{
				"capability":    PracticeArena,
				"subscriptions": []string{"trial", "active", "past_due"},
			},
			{
				"capability":    CoachFeedback,
				"subscriptions": []string{"trial", "active"},
			},
		},
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}
