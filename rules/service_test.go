package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rules"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*rules.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := rules.New(store, rules.Options{
		Clock: core.NewFixedClock(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)),
	})
	return svc, store
}

func referralDefinition(name string) rules.Definition {
	return rules.Definition{
		Name: name,
		Conditions: rules.AllOf(
			rules.Compare("referrer.status", rules.OpEq, "PAID"),
			rules.Compare("referred.action", rules.OpEq, "SUBSCRIBED"),
		),
		Actions: []rules.Action{
			{Type: rules.ActionCreateReward, Params: map[string]any{"amount": 500, "currency": "INR"}},
			{Type: rules.ActionIssueVoucher, Params: map[string]any{"code": "REFERRAL500"}},
		},
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

// =============================================================================
// VERSIONING
// =============================================================================

func TestCreate_SameNameTwice_NewVersionSupersedes(t *testing.T) {
	// GIVEN: No rules
	// WHEN: Creating rule "R" twice
	// THEN: v1 then v2, v1 now inactive, latest-per-name returns only v2

	svc, _ := newTestService(t)
	ctx := context.Background()

	v1, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	v2, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.IsActive)

	old, err := svc.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	latest, err := svc.GetLatestPerName(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, v2.ID, latest[0].ID)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	noName := referralDefinition("  ")
	_, err := svc.Create(ctx, noName)
	assert.ErrorIs(t, err, core.ErrInvalidRule)

	noConditions := referralDefinition("R")
	noConditions.Conditions = nil
	_, err = svc.Create(ctx, noConditions)
	assert.ErrorIs(t, err, core.ErrInvalidCondition)

	badLeaf := referralDefinition("R")
	badLeaf.Conditions = &rules.Leaf{Field: "x", Op: "~="}
	_, err = svc.Create(ctx, badLeaf)
	assert.ErrorIs(t, err, core.ErrInvalidCondition)

	noActions := referralDefinition("R")
	noActions.Actions = nil
	_, err = svc.Create(ctx, noActions)
	assert.ErrorIs(t, err, core.ErrInvalidAction)

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdate_CreatesNewVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v1, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)

	v2, err := svc.Update(ctx, v1.ID, rules.Patch{
		Description: strPtr("raised threshold"),
		Conditions:  rules.Compare("referred.spend", rules.OpGte, 100),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "raised threshold", v2.Description)
	assert.Len(t, v2.Actions, 2, "actions carried over")
	assert.NotEqual(t, v1.ID, v2.ID)

	old, err := svc.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	_, isGroup := old.Conditions.(*rules.Group)
	assert.True(t, isGroup, "old version keeps its original tree")
}

func TestUpdate_OnlyIsActive_InPlace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v1, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)
	v2, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)

	// Re-activating v1 flips it in place and retires v2.
	got, err := svc.Update(ctx, v1.ID, rules.Patch{IsActive: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, got.ID)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.IsActive)

	other, err := svc.GetByID(ctx, v2.ID)
	require.NoError(t, err)
	assert.False(t, other.IsActive)

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2, "no new version written")
}

func TestUpdate_Rename_RetiresSource(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v1, err := svc.Create(ctx, referralDefinition("Old"))
	require.NoError(t, err)

	renamed, err := svc.Update(ctx, v1.ID, rules.Patch{Name: strPtr("New")})
	require.NoError(t, err)
	assert.Equal(t, "New", renamed.Name)
	assert.Equal(t, 1, renamed.Version)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "New", active[0].Name)
}

func TestUpdate_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Update(context.Background(), "missing", rules.Patch{IsActive: boolPtr(false)})
	assert.ErrorIs(t, err, core.ErrRuleNotFound)
}

func TestDeactivate_SoftDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)

	got, err := svc.Deactivate(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1, "row is kept")

	_, err = svc.Deactivate(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrRuleNotFound)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

func TestEvaluate_NoMatch_EmptyList(t *testing.T) {
	// GIVEN: The referral rule AND(referrer.status=PAID, referred.action=SUBSCRIBED)
	// WHEN: The referrer is still PENDING
	// THEN: No actions are triggered

	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, referralDefinition("Referral Reward Rule"))
	require.NoError(t, err)

	triggered, err := svc.Evaluate(ctx, mustEvent(t,
		`{"referrer":{"status":"PENDING"},"referred":{"action":"SUBSCRIBED"}}`))
	require.NoError(t, err)
	assert.Empty(t, triggered)
}

func TestEvaluate_Match_TagsActions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, err := svc.Create(ctx, referralDefinition("Referral Reward Rule"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, rules.Definition{
		Name:       "Big spender",
		Conditions: rules.Compare("referred.spend", rules.OpGt, 1000),
		Actions:    []rules.Action{{Type: rules.ActionSendNotification}},
	})
	require.NoError(t, err)

	triggered, err := svc.Evaluate(ctx, mustEvent(t,
		`{"referrer":{"status":"PAID"},"referred":{"action":"SUBSCRIBED","spend":10}}`))
	require.NoError(t, err)

	require.Len(t, triggered, 2)
	assert.Equal(t, rules.ActionCreateReward, triggered[0].Type)
	assert.Equal(t, rules.ActionIssueVoucher, triggered[1].Type)
	for _, a := range triggered {
		assert.Equal(t, r.ID, a.RuleID)
		assert.Equal(t, "Referral Reward Rule", a.RuleName)
		assert.Equal(t, 1, a.RuleVersion)
	}
}

func TestEvaluate_SupersededVersionIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, referralDefinition("R"))
	require.NoError(t, err)
	def := referralDefinition("R")
	def.Conditions = rules.Compare("referrer.status", rules.OpEq, "NEVER")
	_, err = svc.Create(ctx, def)
	require.NoError(t, err)

	triggered, err := svc.Evaluate(ctx, mustEvent(t,
		`{"referrer":{"status":"PAID"},"referred":{"action":"SUBSCRIBED"}}`))
	require.NoError(t, err)
	assert.Empty(t, triggered)
}

func TestEvaluate_StoredUnknownOperatorNeverMatches(t *testing.T) {
	// GIVEN: A stored rule whose tree uses an operator this build does not know
	// WHEN: Evaluating
	// THEN: The rule loads, its leaf evaluates false, other rules still run

	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.InsertRule(ctx, core.RuleRecord{
		ID:             "legacy",
		Name:           "Legacy",
		Version:        1,
		ConditionsJSON: `{"field":"referrer.status","op":"matches","value":"P.*"}`,
		ActionsJSON:    `[{"type":"sendNotification"}]`,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}))
	_, err := svc.Create(ctx, referralDefinition("Referral Reward Rule"))
	require.NoError(t, err)

	results, err := svc.Explain(ctx, mustEvent(t,
		`{"referrer":{"status":"PAID"},"referred":{"action":"SUBSCRIBED"}}`))
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]rules.Result{}
	for _, r := range results {
		byName[r.RuleName] = r
	}
	assert.False(t, byName["Legacy"].Matched)
	assert.Empty(t, byName["Legacy"].TriggeredActions)
	assert.True(t, byName["Referral Reward Rule"].Matched)
	assert.Len(t, byName["Referral Reward Rule"].TriggeredActions, 2)
}

func TestEvaluate_SkipsUnreadableRows(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.InsertRule(ctx, core.RuleRecord{
		ID: "broken", Name: "Broken", Version: 1,
		ConditionsJSON: `not json`, ActionsJSON: `[]`,
		IsActive: true, CreatedAt: time.Now().UTC(),
	}))

	triggered, err := svc.Evaluate(ctx, mustEvent(t, `{}`))
	require.NoError(t, err)
	assert.Empty(t, triggered)
}
