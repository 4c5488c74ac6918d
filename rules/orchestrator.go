package rules

import (
	"context"
	"fmt"

	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// ORCHESTRATOR - All active rules against one event
// =============================================================================

// TriggeredAction is an action emitted by a matching rule, tagged with the
// rule version that produced it.
type TriggeredAction struct {
	Action
	RuleID      core.RuleID `json:"ruleId"`
	RuleName    string      `json:"ruleName"`
	RuleVersion int         `json:"ruleVersion"`
}

// Result is the per-rule outcome returned by Explain.
type Result struct {
	RuleID           core.RuleID `json:"ruleId"`
	RuleName         string      `json:"ruleName"`
	Version          int         `json:"version"`
	Matched          bool        `json:"matched"`
	TriggeredActions []Action    `json:"triggeredActions"`
}

// Evaluate runs every active rule against event and returns the actions of
// the matching ones, in rule order (name, then version) and then action
// order. It has no side effects.
//
// The active set is read once; a rule activated concurrently may or may not
// be included.
func (s *Service) Evaluate(ctx context.Context, event Value) ([]TriggeredAction, error) {
	active, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	triggered := []TriggeredAction{}
	for _, r := range active {
		if !Evaluate(r.Conditions, event) {
			continue
		}
		for _, a := range r.Actions {
			triggered = append(triggered, TriggeredAction{
				Action:      a,
				RuleID:      r.ID,
				RuleName:    r.Name,
				RuleVersion: r.Version,
			})
		}
	}

	s.log.DebugContext(ctx, "event evaluated",
		"active_rules", len(active), "triggered_actions", len(triggered))
	return triggered, nil
}

// Explain is Evaluate with one result per active rule, matched or not.
func (s *Service) Explain(ctx context.Context, event Value) ([]Result, error) {
	active, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(active))
	for _, r := range active {
		matched := Evaluate(r.Conditions, event)
		res := Result{
			RuleID:           r.ID,
			RuleName:         r.Name,
			Version:          r.Version,
			Matched:          matched,
			TriggeredActions: []Action{},
		}
		if matched {
			res.TriggeredActions = r.Actions
		}
		results = append(results, res)
	}
	return results, nil
}

// snapshot loads the active rules. A row that can no longer be parsed is
// skipped with a warning rather than failing every evaluation.
func (s *Service) snapshot(ctx context.Context) ([]Rule, error) {
	recs, err := s.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	out := make([]Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := toRule(rec)
		if err != nil {
			s.log.WarnContext(ctx, "skipping unreadable rule", "rule_id", rec.ID, "error", err)
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}
