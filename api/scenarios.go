/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	referral data for demos and manual testing. Each scenario registers
	users, seeds rules from the factory presets and walks rewards through
	the state machine.

AVAILABLE SCENARIOS:

	referral-basics:  Referral rule, one confirmed and one pending reward
	payout-lifecycle: Rewards in every status, including a payout and a reversal
	rule-versions:    Referral rule at version 2 next to the premium rule

HOW SCENARIOS WORK:
 1. Ensure users exist (looked up by email, registered if missing)
 2. Ensure rules exist (created only if no version of the name is active)
 3. Credit rewards with fixed idempotency keys
 4. Advance each reward from its current status to its target status

Loading is idempotent: the database is never reset, and loading a scenario
twice replays the credits instead of paying again. The ledger is
append-only, so there is nothing to reset it to.

USAGE VIA API:

	GET  /api/scenarios
	GET  /api/scenarios/current
	POST /api/scenarios/load
	{"scenarioId": "payout-lifecycle"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add its seed to 'seeds'

SEE ALSO:
  - factory/presets.go: Rule presets
  - rewards/service.go: Credit and transitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/factory"
	"github.com/warp/referral-ledger/rewards"
	"github.com/warp/referral-ledger/rules"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "referral-basics",
		Name:        "Referral Basics",
		Description: "Referral reward rule with one confirmed and one pending reward",
	},
	{
		ID:          "payout-lifecycle",
		Name:        "Payout Lifecycle",
		Description: "Rewards in every status: pending, confirmed, paid and reversed",
	},
	{
		ID:          "rule-versions",
		Name:        "Rule Versions",
		Description: "Referral rule raised to 750 INR as version 2, plus the premium upgrade rule",
	},
}

type seedUser struct {
	email string
	name  string
}

type seedReward struct {
	key      string
	referrer string // email
	referred string // email
	amount   int64
	target   core.RewardStatus
}

type seed struct {
	users   []seedUser
	rules   []rules.Definition
	rewards []seedReward
	after   func(ctx context.Context, h *Handler) error
}

var seeds = map[string]func() seed{
	"referral-basics": func() seed {
		return seed{
			users: []seedUser{
				{"alice@example.com", "Alice Johnson"},
				{"bob@example.com", "Bob Smith"},
				{"carol@example.com", "Carol White"},
			},
			rules: []rules.Definition{factory.ReferralRewardRule()},
			rewards: []seedReward{
				{"scenario:referral-basics:alice-bob", "alice@example.com", "bob@example.com", 500, core.RewardConfirmed},
				{"scenario:referral-basics:alice-carol", "alice@example.com", "carol@example.com", 500, core.RewardPending},
			},
		}
	},
	"payout-lifecycle": func() seed {
		return seed{
			users: []seedUser{
				{"dana@example.com", "Dana Lee"},
				{"eli@example.com", "Eli Brown"},
				{"fay@example.com", "Fay Green"},
				{"gus@example.com", "Gus Patel"},
			},
			rules: []rules.Definition{factory.ReferralRewardRule()},
			rewards: []seedReward{
				{"scenario:payout-lifecycle:dana-eli", "dana@example.com", "eli@example.com", 500, core.RewardPaid},
				{"scenario:payout-lifecycle:dana-fay", "dana@example.com", "fay@example.com", 500, core.RewardReversed},
				{"scenario:payout-lifecycle:gus-dana", "gus@example.com", "dana@example.com", 250, core.RewardConfirmed},
				{"scenario:payout-lifecycle:gus-eli", "gus@example.com", "eli@example.com", 250, core.RewardPending},
			},
		}
	},
	"rule-versions": func() seed {
		return seed{
			rules: []rules.Definition{factory.ReferralRewardRule(), factory.PremiumUpgradeRule()},
			after: raiseReferralReward,
		}
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	build, ok := seeds[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.loadSeed(ctx, build()); err != nil {
		h.writeServiceError(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSeed(ctx context.Context, s seed) error {
	ids := make(map[string]core.UserID, len(s.users))
	for _, u := range s.users {
		id, err := h.ensureUser(ctx, u)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.email, err)
		}
		ids[u.email] = id
	}

	if _, err := h.SeedRules(ctx, s.rules); err != nil {
		return err
	}

	for _, sr := range s.rewards {
		res, err := h.Rewards.Credit(ctx, rewards.CreditRequest{
			ReferrerID:     ids[sr.referrer],
			ReferredID:     ids[sr.referred],
			Amount:         decimal.NewFromInt(sr.amount),
			Currency:       h.currency,
			IdempotencyKey: sr.key,
			Metadata:       map[string]any{"source": "scenario"},
		})
		if err != nil {
			return fmt.Errorf("credit %s: %w", sr.key, err)
		}
		if err := h.advance(ctx, res.Reward.ID, sr.target); err != nil {
			return fmt.Errorf("advance %s: %w", sr.key, err)
		}
	}

	if s.after != nil {
		return s.after(ctx, h)
	}
	return nil
}

func (h *Handler) ensureUser(ctx context.Context, u seedUser) (core.UserID, error) {
	existing, err := h.Users.GetByEmail(ctx, u.email)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, core.ErrUserNotFound):
		return "", err
	}
	created, err := h.Users.Register(ctx, u.email, u.name)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// ensureRule reports whether it created def.
func (h *Handler) ensureRule(ctx context.Context, def rules.Definition) (bool, error) {
	active, err := h.Rules.ListActive(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range active {
		if r.Name == def.Name {
			return false, nil
		}
	}
	if _, err := h.Rules.Create(ctx, def); err != nil {
		return false, err
	}
	return true, nil
}

// SeedRules creates each definition whose name has no active version and
// returns how many were created.
func (h *Handler) SeedRules(ctx context.Context, defs []rules.Definition) (int, error) {
	created := 0
	for _, def := range defs {
		ok, err := h.ensureRule(ctx, def)
		if err != nil {
			return created, fmt.Errorf("rule %s: %w", def.Name, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// advance moves a reward forward from wherever it is now. A reward already
// at or past its target is left alone. A replayed credit carries the status
// it was created with, so the current one is read first.
func (h *Handler) advance(ctx context.Context, id core.RewardID, target core.RewardStatus) error {
	detail, err := h.Rewards.Get(ctx, id)
	if err != nil {
		return err
	}
	status := detail.Reward.Status
	for status != target {
		switch {
		case target == core.RewardReversed && (status == core.RewardPending || status == core.RewardConfirmed):
			_, err = h.Rewards.Reverse(ctx, id, "Scenario reversal")
			status = core.RewardReversed
		case status == core.RewardPending:
			_, err = h.Rewards.Confirm(ctx, id)
			status = core.RewardConfirmed
		case status == core.RewardConfirmed && target == core.RewardPaid:
			_, err = h.Rewards.Pay(ctx, id, "scenario-payout-"+string(id))
			status = core.RewardPaid
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// raiseReferralReward writes version 2 of the referral rule with a 750 INR
// reward, once.
func raiseReferralReward(ctx context.Context, h *Handler) error {
	latest, err := h.Rules.GetLatestPerName(ctx)
	if err != nil {
		return err
	}
	for _, r := range latest {
		if r.Name != factory.ReferralRewardRuleName || r.Version > 1 {
			continue
		}
		actions := make([]rules.Action, len(r.Actions))
		copy(actions, r.Actions)
		for i, a := range actions {
			if a.Type != rules.ActionCreateReward {
				continue
			}
			params := make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				params[k] = v
			}
			params["amount"] = 750
			actions[i].Params = params
		}
		_, err := h.Rules.Update(ctx, r.ID, rules.Patch{Actions: actions})
		return err
	}
	return nil
}
