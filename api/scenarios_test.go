package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_AllLoad(t *testing.T) {
	// GIVEN: A fresh server
	// WHEN: Each scenario is loaded
	// THEN: Every scenario applies cleanly and its demo user has a subscription

	srv := setupTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/scenarios/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeInto[[]ScenarioDTO](t, body)
	require.Len(t, list, len(loaders))

	for _, sc := range list {
		t.Run(sc.ID, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			assert.Equal(t, "demo-"+sc.ID, decodeInto[ScenarioDTO](t, body).UserID)

			_, body = do(t, srv, http.MethodGet, "/api/users/"+sc.UserID+"/subscription", nil)
			assert.NotEqual(t, "none", decodeInto[SubscriptionDTO](t, body).Status)
		})
	}
}

func TestScenarios_Outcomes(t *testing.T) {
	srv := setupTestServer(t)
	load := func(id string) {
		resp, body := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}
	access := func(user, capability string) AccessDecisionDTO {
		_, body := do(t, srv, http.MethodGet, "/api/users/"+user+"/access/"+capability, nil)
		return decodeInto[AccessDecisionDTO](t, body)
	}

	t.Run("expert closer reaches the roundtable", func(t *testing.T) {
		load("expert-closer")
		_, body := do(t, srv, http.MethodGet, "/api/users/demo-expert-closer/standing", nil)
		assert.Equal(t, "Expert", decodeInto[StandingDTO](t, body).CurrentLevel)
		assert.True(t, access("demo-expert-closer", "expert_roundtable").Allowed)
	})

	t.Run("trial rep is limited to trial capabilities", func(t *testing.T) {
		load("trial-rep")
		assert.True(t, access("demo-trial-rep", "practice_arena").Allowed)
		assert.Equal(t, "subscription_required", access("demo-trial-rep", "advanced_playbooks").Reason)
	})

	t.Run("deferred cancel keeps access until period end", func(t *testing.T) {
		load("deferred-cancel")
		_, body := do(t, srv, http.MethodGet, "/api/users/demo-deferred-cancel/subscription", nil)
		sub := decodeInto[SubscriptionDTO](t, body)
		assert.Equal(t, "active", sub.Status)
		assert.NotNil(t, sub.CancelAt)
	})

	t.Run("past due stays within grace", func(t *testing.T) {
		load("past-due")
		_, body := do(t, srv, http.MethodGet, "/api/users/demo-past-due/subscription", nil)
		sub := decodeInto[SubscriptionDTO](t, body)
		assert.Equal(t, "past_due", sub.Status)
		assert.NotNil(t, sub.PastDueSince)
	})
}

func TestScenarios_LoadTwiceIsConflict(t *testing.T) {
	srv := setupTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "past-due"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "past-due"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Scenario already loaded", decodeInto[ErrorResponse](t, body).Error)
}

func TestScenarios_Unknown(t *testing.T) {
	srv := setupTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
