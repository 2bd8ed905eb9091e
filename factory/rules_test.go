package factory_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/coaching"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/factory"
)

func TestParseProfile_Full(t *testing.T) {
	// GIVEN: A profile with levels, a deadline and one rule
	// WHEN: It is parsed
	// THEN: Every part lands in the matching engine type

	jsonStr := `{
		"levels": [
			{"name": "Rookie", "threshold": "0"},
			{"name": "Pro", "threshold": "250.5"}
		],
		"milestone_deadlines": {"onboarding_call": "72h"},
		"rules": [
			{"capability": "deal_room", "subscriptions": ["active"], "min_level": "Pro", "milestones": ["onboarding_call"]}
		]
	}`

	profile, err := factory.NewRuleFactory().ParseProfile(jsonStr)
	require.NoError(t, err)

	levels := profile.Levels.Levels()
	require.Len(t, levels, 2)
	assert.Equal(t, "Pro", levels[1].Name)
	assert.True(t, levels[1].Threshold.Equal(decimal.RequireFromString("250.5")))

	assert.Equal(t, 72*time.Hour, profile.Deadlines[engine.MilestoneOnboardingCall])

	require.Len(t, profile.Rules, 1)
	r := profile.Rules[0]
	assert.Equal(t, engine.Capability("deal_room"), r.Capability)
	assert.Equal(t, []engine.SubscriptionStatus{engine.SubscriptionActive}, r.Subscriptions)
	assert.Equal(t, "Pro", r.MinLevel)
	assert.Equal(t, []engine.MilestoneType{engine.MilestoneOnboardingCall}, r.Milestones)
}

func TestParseProfile_Rejects(t *testing.T) {
	f := factory.NewRuleFactory()

	cases := map[string]struct {
		json string
		want error
	}{
		"malformed json": {`{"rules": [`, nil},
		"unknown field":  {`{"rulez": []}`, nil},
		"bad threshold":  {`{"levels": [{"name": "A", "threshold": "lots"}]}`, engine.ErrValidation},
		"equal thresholds": {
			`{"levels": [{"name": "A", "threshold": "0"}, {"name": "B", "threshold": "0"}]}`,
			engine.ErrInvalidLevelTable,
		},
		"unknown milestone in deadlines": {`{"milestone_deadlines": {"won_award": "1h"}}`, engine.ErrUnknownMilestoneType},
		"bad duration":                   {`{"milestone_deadlines": {"onboarding_call": "a week"}}`, engine.ErrValidation},
		"unknown status":                 {`{"rules": [{"capability": "x", "subscriptions": ["lifetime"]}]}`, engine.ErrValidation},
		"unknown level":                  {`{"rules": [{"capability": "x", "min_level": "Expert"}]}`, engine.ErrValidation},
		"unknown milestone in rule":      {`{"rules": [{"capability": "x", "milestones": ["won_award"]}]}`, engine.ErrUnknownMilestoneType},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseProfile(tc.json)
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestParseProfile_FallbackLevels(t *testing.T) {
	// GIVEN: A factory seeded with the coaching ladder
	// WHEN: A rules-only profile references one of its levels
	// THEN: The rule validates against the fallback table

	f := factory.NewRuleFactory(coaching.DefaultLevels()...)

	profile, err := f.ParseProfile(`{"rules": [{"capability": "x", "min_level": "Advanced"}]}`)
	require.NoError(t, err)
	assert.Len(t, profile.Levels.Levels(), 4)

	_, err = factory.NewRuleFactory().ParseProfile(`{"rules": [{"capability": "x", "min_level": "Advanced"}]}`)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestToJSON_ReparsesToSameProfile(t *testing.T) {
	f := factory.NewRuleFactory()
	profile, err := f.ParseProfile(coaching.StandardProfileJSON())
	require.NoError(t, err)

	b, err := json.Marshal(f.ToJSON(profile))
	require.NoError(t, err)

	again, err := f.ParseProfile(string(b))
	require.NoError(t, err)

	assert.Equal(t, profile.Deadlines, again.Deadlines)
	assert.ElementsMatch(t, profile.Rules, again.Rules)
	assert.Len(t, again.Levels.Levels(), len(profile.Levels.Levels()))
}

func TestProfile_Options(t *testing.T) {
	profile, err := factory.NewRuleFactory().ParseProfile(coaching.StandardProfileJSON())
	require.NoError(t, err)
	assert.Len(t, profile.Options(), 3)

	empty := &factory.Profile{}
	assert.Len(t, empty.Options(), 1, "rules option is always present")
}
