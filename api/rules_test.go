package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-ledger/factory"
	"github.com/warp/referral-ledger/rules"
)

const referralRuleJSON = `{
  "name": "Referral Reward Rule",
  "conditions": {
    "operator": "AND",
    "operands": [
      {"field": "referrer.status", "op": "=", "value": "PAID"},
      {"field": "referred.action", "op": "=", "value": "SUBSCRIBED"}
    ]
  },
  "actions": [
    {"type": "createReward", "params": {"amount": 500, "currency": "INR"}},
    {"type": "issueVoucher", "params": {"code": "REFERRAL500"}}
  ]
}`

const referralRuleYAML = `
name: Spend Bonus
conditions:
  field: referred.spend
  op: ">="
  value: 1000
actions:
  - type: createReward
    params:
      amount: 100
`

type ruleDTO struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	IsActive bool             `json:"isActive"`
	Actions  []map[string]any `json:"actions"`
}

func (s *testServer) createRule(body string) ruleDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/rules", body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ruleDTO](s.t, rec)
}

func matchingEvent(referrer, referred string) map[string]any {
	return map[string]any{
		"referrer": map[string]any{"id": referrer, "status": "PAID"},
		"referred": map[string]any{"id": referred, "action": "SUBSCRIBED"},
	}
}

// =============================================================================
// RULE CRUD
// =============================================================================

func TestRules_CreateVersionsAndList(t *testing.T) {
	// GIVEN: The same rule posted twice
	s := newTestServer(t)
	v1 := s.createRule(referralRuleJSON)
	v2 := s.createRule(referralRuleJSON)

	// THEN: The second post is version 2 and supersedes version 1
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.IsActive)

	rec := s.do(http.MethodGet, "/api/rules/"+v1.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ruleDTO](t, rec).IsActive)

	rec = s.do(http.MethodGet, "/api/rules?active=true", nil)
	active := decode[[]ruleDTO](t, rec)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)

	rec = s.do(http.MethodGet, "/api/rules", nil)
	assert.Len(t, decode[[]ruleDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/rules/latest", nil)
	latest := decode[[]ruleDTO](t, rec)
	require.Len(t, latest, 1)
	assert.Equal(t, 2, latest[0].Version)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/rules?active=maybe", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/rules/missing", nil).Code)
}

func TestRules_CreateFromYAML(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/rules", referralRuleYAML, "Content-Type", "application/yaml")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[ruleDTO](t, rec)
	assert.Equal(t, "Spend Bonus", rule.Name)
	assert.Equal(t, 1, rule.Version)
}

func TestRules_CreateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"name":`},
		{"no name", `{"conditions": {"field": "a", "op": "=", "value": 1}, "actions": [{"type": "createReward", "params": {"amount": 1}}]}`},
		{"unknown operator", `{"name": "x", "conditions": {"field": "a", "op": "~", "value": 1}, "actions": [{"type": "createReward", "params": {"amount": 1}}]}`},
		{"no actions", `{"name": "x", "conditions": {"field": "a", "op": "=", "value": 1}, "actions": []}`},
		{"negative reward", `{"name": "x", "conditions": {"field": "a", "op": "=", "value": 1}, "actions": [{"type": "createReward", "params": {"amount": -5}}]}`},
	}

	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRules_UpdateAndDelete(t *testing.T) {
	// GIVEN: Version 1 of the referral rule
	s := newTestServer(t)
	v1 := s.createRule(referralRuleJSON)

	// WHEN: Changing the actions
	rec := s.do(http.MethodPut, "/api/rules/"+v1.ID, map[string]any{
		"actions": []map[string]any{{"type": "createReward", "params": map[string]any{"amount": 750}}},
	})

	// THEN: A new version holds the change
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v2 := decode[ruleDTO](t, rec)
	assert.Equal(t, 2, v2.Version)
	require.Len(t, v2.Actions, 1)

	// WHEN: Toggling only isActive on version 1
	rec = s.do(http.MethodPut, "/api/rules/"+v1.ID, map[string]any{"isActive": true})

	// THEN: Version 1 is re-activated in place and version 2 retires
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[ruleDTO](t, rec)
	assert.Equal(t, v1.ID, again.ID)
	assert.True(t, again.IsActive)
	rec = s.do(http.MethodGet, "/api/rules/"+v2.ID, nil)
	assert.False(t, decode[ruleDTO](t, rec).IsActive)

	// WHEN: Deleting version 1
	rec = s.do(http.MethodDelete, "/api/rules/"+v1.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ruleDTO](t, rec).IsActive)

	// THEN: Nothing is active, but every version still exists
	rec = s.do(http.MethodGet, "/api/rules?active=true", nil)
	assert.Empty(t, decode[[]ruleDTO](t, rec))
	rec = s.do(http.MethodGet, "/api/rules", nil)
	assert.Len(t, decode[[]ruleDTO](t, rec), 2)

	// AND: Bad conditions in an update are rejected
	rec = s.do(http.MethodPut, "/api/rules/"+v1.ID, map[string]any{
		"conditions": map[string]any{"operator": "XOR", "operands": []any{}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// EVALUATION
// =============================================================================

func TestEvaluateRules(t *testing.T) {
	// GIVEN: The referral rule and the premium rule
	s := newTestServer(t)
	s.createRule(referralRuleJSON)
	rec := s.do(http.MethodPost, "/api/rules", mustRuleJSON(t, factory.PremiumUpgradeRule()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Evaluating a matching referral event with explain
	rec = s.do(http.MethodPost, "/api/rules/evaluate", map[string]any{
		"event":   matchingEvent("u1", "u2"),
		"explain": true,
	})

	// THEN: Only the referral rule's two actions trigger, in order
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[evaluateOut](t, rec)

	require.Len(t, out.TriggeredActions, 2)
	assert.Equal(t, "createReward", out.TriggeredActions[0].Type)
	assert.Equal(t, "issueVoucher", out.TriggeredActions[1].Type)
	assert.Equal(t, "Referral Reward Rule", out.TriggeredActions[0].RuleName)
	require.Len(t, out.Results, 2)
	matched := map[string]bool{}
	for _, r := range out.Results {
		matched[r.RuleName] = r.Matched
	}
	assert.Equal(t, map[string]bool{"Referral Reward Rule": true, "Premium Upgrade Bonus": false}, matched)

	// AND: Evaluation has no side effects
	rec = s.do(http.MethodGet, "/api/rewards", nil)
	assert.Empty(t, decode[[]RewardDTO](t, rec))
}

func TestEvaluateRules_BadEvent(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/rules/evaluate", map[string]any{}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/rules/evaluate", map[string]any{"event": []int{1}}).Code)
}

type evaluateOut struct {
	TriggeredActions []struct {
		Type        string `json:"type"`
		RuleName    string `json:"ruleName"`
		RuleVersion int    `json:"ruleVersion"`
	} `json:"triggeredActions"`
	Results []struct {
		RuleName string `json:"ruleName"`
		Matched  bool   `json:"matched"`
	} `json:"results"`
}

func mustRuleJSON(t *testing.T, def rules.Definition) string {
	t.Helper()
	data, err := factory.NewRuleFactory().ToJSON(def)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestProcessEvent_ExecutesCreateRewardOnce(t *testing.T) {
	// GIVEN: The referral preset, seeded twice, and two users
	s := newTestServer(t)
	presets := []rules.Definition{factory.ReferralRewardRule()}
	n, err := s.handler.SeedRules(context.Background(), presets)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.handler.SeedRules(context.Background(), presets)
	require.NoError(t, err)
	assert.Zero(t, n, "an active rule of the same name is left alone")
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	body := map[string]any{"eventId": "evt-1", "event": matchingEvent(a.ID, b.ID)}

	// WHEN: Processing a matching event
	rec := s.do(http.MethodPost, "/api/events", body)

	// THEN: Both actions trigger, only createReward executes
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[struct {
		EventID          string              `json:"eventId"`
		TriggeredActions []map[string]any    `json:"triggeredActions"`
		Executed         []ExecutedActionDTO `json:"executed"`
	}](t, rec)
	assert.Equal(t, "evt-1", out.EventID)
	assert.Len(t, out.TriggeredActions, 2)
	require.Len(t, out.Executed, 1)

	exec := out.Executed[0]
	assert.Equal(t, "createReward", exec.Type)
	assert.Equal(t, 0, exec.ActionIndex)
	assert.Equal(t, fmt.Sprintf("event:evt-1:%s:0", exec.RuleID), exec.IdempotencyKey)
	assert.Empty(t, exec.Error)
	require.NotNil(t, exec.Result)
	assert.Equal(t, "500.00", exec.Result.Reward.Amount)
	assert.Equal(t, a.ID, exec.Result.Reward.ReferrerID)
	assert.Equal(t, "evt-1", exec.Result.Reward.Metadata["eventId"])
	assert.False(t, exec.Result.Replayed)

	// WHEN: The same event arrives again
	rec = s.do(http.MethodPost, "/api/events", body)

	// THEN: The credit replays and the balance is unchanged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[EventResponse](t, rec)
	require.Len(t, again.Executed, 1)
	require.NotNil(t, again.Executed[0].Result)
	assert.True(t, again.Executed[0].Result.Replayed)
	assert.Equal(t, exec.Result.Reward.ID, again.Executed[0].Result.Reward.ID)
	assert.Equal(t, "500.00", s.balance(a.ID).Balance)
}

func TestProcessEvent_ActionErrorsAreReported(t *testing.T) {
	// GIVEN: The referral rule but no registered users
	s := newTestServer(t)
	s.createRule(referralRuleJSON)

	// WHEN: Processing an event naming unknown users
	rec := s.do(http.MethodPost, "/api/events", map[string]any{
		"eventId": "evt-2",
		"event":   matchingEvent("ghost-1", "ghost-2"),
	})

	// THEN: 200 with the failure recorded on the action
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[EventResponse](t, rec)
	require.Len(t, out.Executed, 1)
	assert.Nil(t, out.Executed[0].Result)
	assert.Contains(t, out.Executed[0].Error, "user not found")
}

func TestProcessEvent_MissingPartiesAreReported(t *testing.T) {
	// GIVEN: The referral rule
	s := newTestServer(t)
	s.createRule(referralRuleJSON)

	// WHEN: A matching event names neither party
	rec := s.do(http.MethodPost, "/api/events", map[string]any{
		"eventId": "evt-4",
		"event": map[string]any{
			"referrer": map[string]any{"status": "PAID"},
			"referred": map[string]any{"action": "SUBSCRIBED"},
		},
	})

	// THEN: The action reports the missing referrer, not a self-referral
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[EventResponse](t, rec)
	require.Len(t, out.Executed, 1)
	assert.Contains(t, out.Executed[0].Error, "event.referrer.id")
	assert.NotContains(t, out.Executed[0].Error, "cannot be the same")
	assert.Empty(t, decode[[]RewardDTO](t, s.do(http.MethodGet, "/api/rewards", nil)))
}

func TestProcessEvent_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/events", map[string]any{"event": matchingEvent("a", "b")})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "eventId is required")

	rec = s.do(http.MethodPost, "/api/events", map[string]any{"eventId": "e"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "event is required")
}

func TestProcessEvent_NoMatch(t *testing.T) {
	s := newTestServer(t)
	s.createRule(referralRuleJSON)

	rec := s.do(http.MethodPost, "/api/events", map[string]any{
		"eventId": "evt-3",
		"event":   map[string]any{"referrer": map[string]any{"status": "FREE"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[EventResponse](t, rec)
	assert.Empty(t, out.TriggeredActions)
	assert.Empty(t, out.Executed)
}
