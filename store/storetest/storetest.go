// Package storetest is the contract suite every core.TxStore backend must
// pass. Backends call Run from their own tests with a constructor that
// returns an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-ledger/core"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) core.TxStore

// base is microsecond aligned so every backend round-trips it exactly.
var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("EntriesAppendOnly", func(t *testing.T) { testEntriesAppendOnly(t, newStore(t)) })
	t.Run("EntryPaging", func(t *testing.T) { testEntryPaging(t, newStore(t)) })
	t.Run("Rewards", func(t *testing.T) { testRewards(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("ConcurrentReversal", func(t *testing.T) { testConcurrentReversal(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func user(t *testing.T, s core.Store, email string) core.User {
	t.Helper()
	u := core.User{ID: core.UserID(core.NewID()), Email: email, Name: email, CreatedAt: base}
	require.NoError(t, s.InsertUser(context.Background(), u))
	return u
}

func credit(userID core.UserID, amount string, at time.Time) core.Entry {
	return core.Entry{
		ID:        core.EntryID(core.NewID()),
		UserID:    userID,
		Type:      core.EntryCredit,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "INR",
		Status:    core.EntryPosted,
		Metadata:  map[string]any{"action": "credit"},
		CreatedAt: at,
	}
}

func reward(referrer, referred core.UserID, key string) core.Reward {
	return core.Reward{
		ID:             core.RewardID(core.NewID()),
		ReferrerID:     referrer,
		ReferredID:     referred,
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "INR",
		Status:         core.RewardPending,
		IdempotencyKey: key,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

// =============================================================================
// USERS
// =============================================================================

func testUsers(t *testing.T, s core.TxStore) {
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "missing rows are (nil, nil)")

	alice := user(t, s, "alice@example.com")
	dup := core.User{ID: core.UserID(core.NewID()), Email: "alice@example.com", CreatedAt: base}
	assert.ErrorIs(t, s.InsertUser(ctx, dup), core.ErrEmailTaken)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, alice.ID, byEmail.ID)
	assert.True(t, alice.CreatedAt.Equal(byEmail.CreatedAt))

	require.NoError(t, s.UpdateUserName(ctx, alice.ID, "Alice A."))
	assert.ErrorIs(t, s.UpdateUserName(ctx, "missing", "x"), core.ErrUserNotFound)

	later := core.User{ID: core.UserID(core.NewID()), Email: "bob@example.com", CreatedAt: base.Add(time.Second)}
	require.NoError(t, s.InsertUser(ctx, later))

	list, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, later.ID, list[0].ID)
	assert.Equal(t, "Alice A.", list[1].Name)
}

// =============================================================================
// ENTRIES
// =============================================================================

func testEntriesAppendOnly(t *testing.T, s core.TxStore) {
	ctx := context.Background()
	u := user(t, s, "u@example.com")

	e := credit(u.ID, "10.50", base)
	require.NoError(t, s.InsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, e.Amount.Equal(got.Amount))
	assert.Equal(t, core.EntryPosted, got.Status)
	assert.Equal(t, "credit", got.Metadata["action"])
	assert.Empty(t, got.RewardID)

	rev := core.Entry{
		ID:         core.EntryID(core.NewID()),
		UserID:     u.ID,
		Type:       core.EntryReversal,
		Amount:     e.Amount,
		Currency:   "INR",
		Status:     core.EntryPosted,
		ReversalOf: e.ID,
		CreatedAt:  base.Add(time.Second),
	}
	require.NoError(t, s.InsertEntry(ctx, rev))
	require.NoError(t, s.VoidEntry(ctx, e.ID))

	second := rev
	second.ID = core.EntryID(core.NewID())
	assert.ErrorIs(t, s.InsertEntry(ctx, second), core.ErrAlreadyReversed)
	assert.ErrorIs(t, s.VoidEntry(ctx, e.ID), core.ErrAlreadyVoid)

	found, err := s.GetReversalOf(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rev.ID, found.ID)

	none, err := s.GetReversalOf(ctx, rev.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.LoadEntries(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, e.ID, all[0].ID, "oldest first")
	assert.Equal(t, core.EntryVoid, all[0].Status)
}

func testEntryPaging(t *testing.T, s core.TxStore) {
	ctx := context.Background()
	u := user(t, s, "pager@example.com")
	other := user(t, s, "other@example.com")

	// Pairs share a timestamp so the id tiebreak is exercised.
	var ids []core.EntryID
	for i := 0; i < 7; i++ {
		e := credit(u.ID, "1", base.Add(time.Duration(i/2)*time.Second))
		require.NoError(t, s.InsertEntry(ctx, e))
		ids = append(ids, e.ID)
	}
	require.NoError(t, s.InsertEntry(ctx, credit(other.ID, "1", base)))

	var seen []core.EntryID
	var after *core.Entry
	for {
		page, err := s.PageEntries(ctx, u.ID, after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for i := range page {
			seen = append(seen, page[i].ID)
		}
		after = &page[len(page)-1]
	}

	assert.Len(t, seen, len(ids))
	assert.ElementsMatch(t, ids, seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i])
	}
}

// =============================================================================
// REWARDS
// =============================================================================

func testRewards(t *testing.T, s core.TxStore) {
	ctx := context.Background()
	a := user(t, s, "a@example.com")
	b := user(t, s, "b@example.com")

	r := reward(a.ID, b.ID, "key-1")
	r.Metadata = map[string]any{"source": "test"}
	require.NoError(t, s.InsertReward(ctx, r))

	dup := reward(a.ID, b.ID, "key-1")
	assert.ErrorIs(t, s.InsertReward(ctx, dup), core.ErrDuplicateIdempotencyKey)

	got, err := s.GetReward(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "500", got.Amount.String())
	assert.Equal(t, "test", got.Metadata["source"])

	byKey, err := s.GetRewardByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, r.ID, byKey.ID)
	noKey, err := s.GetRewardByIdempotencyKey(ctx, "key-unknown")
	require.NoError(t, err)
	assert.Nil(t, noKey)

	at := base.Add(time.Minute)
	require.NoError(t, s.TransitionReward(ctx, r.ID, core.RewardPending, core.RewardConfirmed, at))
	err = s.TransitionReward(ctx, r.ID, core.RewardPending, core.RewardReversed, at)
	assert.ErrorIs(t, err, core.ErrConcurrentModification, "compare-and-set on status")

	got, err = s.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RewardConfirmed, got.Status)
	assert.True(t, at.Equal(got.UpdatedAt))

	require.NoError(t, s.InsertReward(ctx, reward(a.ID, b.ID, "key-2")))

	confirmed, err := s.ListRewards(ctx, core.RewardFilter{Status: core.RewardConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, r.ID, confirmed[0].ID)

	limited, err := s.ListRewards(ctx, core.RewardFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	missing, err := s.GetReward(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func testIdempotency(t *testing.T, s core.TxStore) {
	ctx := context.Background()

	rec := core.IdempotencyRecord{
		Key:         "k1",
		RequestHash: "abc",
		Response:    []byte(`{"ok":true}`),
		CreatedAt:   base,
		ExpiresAt:   base.Add(time.Hour),
	}
	require.NoError(t, s.InsertIdempotencyRecord(ctx, rec))
	assert.ErrorIs(t, s.InsertIdempotencyRecord(ctx, rec), core.ErrDuplicateIdempotencyKey)

	got, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.RequestHash)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	fresh := rec
	fresh.Key = "k2"
	fresh.ExpiresAt = base.Add(3 * time.Hour)
	require.NoError(t, s.InsertIdempotencyRecord(ctx, fresh))

	n, err := s.PurgeIdempotencyRecords(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.GetIdempotencyRecord(ctx, "k2")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

// =============================================================================
// RULES
// =============================================================================

func ruleRecord(name string, version int, active bool) core.RuleRecord {
	return core.RuleRecord{
		ID:             core.RuleID(core.NewID()),
		Name:           name,
		Version:        version,
		ConditionsJSON: `{"field":"a","op":"exists"}`,
		ActionsJSON:    `[{"type":"sendNotification"}]`,
		IsActive:       active,
		Metadata:       map[string]any{"v": version},
		CreatedAt:      base.Add(time.Duration(version) * time.Second),
	}
}

func testRules(t *testing.T, s core.TxStore) {
	ctx := context.Background()

	v1 := ruleRecord("R", 1, false)
	v2 := ruleRecord("R", 2, true)
	require.NoError(t, s.InsertRule(ctx, v1))
	require.NoError(t, s.InsertRule(ctx, v2))
	require.NoError(t, s.InsertRule(ctx, ruleRecord("A", 1, true)))

	clash := ruleRecord("R", 2, false)
	assert.ErrorIs(t, s.InsertRule(ctx, clash), core.ErrConcurrentModification, "name+version is unique")

	secondActive := ruleRecord("R", 3, true)
	assert.ErrorIs(t, s.InsertRule(ctx, secondActive), core.ErrConcurrentModification, "one active version per name")
	assert.ErrorIs(t, s.SetRuleActive(ctx, v1.ID, true), core.ErrConcurrentModification)
	assert.ErrorIs(t, s.SetRuleActive(ctx, "missing", true), core.ErrRuleNotFound)

	latest, err := s.LatestRule(ctx, "R")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, v2.ID, latest.ID)

	none, err := s.LatestRule(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.ListRules(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A", all[0].Name)
	assert.Equal(t, 2, all[1].Version, "versions descend within a name")
	assert.Equal(t, 1, all[2].Version)

	require.NoError(t, s.DeactivateRuleVersions(ctx, "R"))
	require.NoError(t, s.SetRuleActive(ctx, v1.ID, true))

	active, err := s.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, v1.ID, active[1].ID)

	got, err := s.GetRule(ctx, v1.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsActive)
	assert.Equal(t, v1.ConditionsJSON, got.ConditionsJSON)
	assert.EqualValues(t, 1, got.Metadata["v"])
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTxRollback(t *testing.T, s core.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx core.Store) error {
		u := core.User{ID: "rolled-back", Email: "gone@example.com", CreatedAt: base}
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetUser(ctx, "rolled-back")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = s.WithTx(ctx, func(tx core.Store) error {
		return tx.InsertUser(ctx, core.User{ID: "kept", Email: "kept@example.com", CreatedAt: base})
	})
	require.NoError(t, err)
	got, err = s.GetUser(ctx, "kept")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func testConcurrentReversal(t *testing.T, s core.TxStore) {
	ctx := context.Background()
	u := user(t, s, "race@example.com")
	target := credit(u.ID, "5", base)
	require.NoError(t, s.InsertEntry(ctx, target))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithTx(ctx, func(tx core.Store) error {
				if err := tx.InsertEntry(ctx, core.Entry{
					ID:         core.EntryID(fmt.Sprintf("rev-%d", i)),
					UserID:     u.ID,
					Type:       core.EntryReversal,
					Amount:     target.Amount,
					Currency:   "INR",
					Status:     core.EntryPosted,
					ReversalOf: target.ID,
					CreatedAt:  base.Add(time.Second),
				}); err != nil {
					return err
				}
				return tx.VoidEntry(ctx, target.ID)
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t,
			errors.Is(err, core.ErrAlreadyReversed) || errors.Is(err, core.ErrAlreadyVoid) || core.IsRetryable(err),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}
