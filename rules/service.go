/*
Package rules stores versioned reward rules and evaluates them against
events.

PURPOSE:
  A rule pairs a condition tree with a list of actions. When an event
  matches the tree, the rule's actions are emitted for a caller to execute.
  The engine itself never executes anything.

VERSIONING:
  Rules are immutable snapshots. Creating a rule whose name already exists
  writes version N+1 and deactivates every earlier version in the same
  transaction, so at most one version per name is active:

    create "R"   -> R v1 (active)
    create "R"   -> R v1 (inactive), R v2 (active)
    update R v2  -> R v2 (inactive), R v3 (active)

  The single exception is a patch that only toggles isActive, which is
  applied in place.

PARSING:
  Conditions and actions are validated strictly on the way in. Stored rows
  are parsed leniently so an operator retired after a rule was written does
  not break evaluation; such leaves simply never match.

SEE ALSO:
  - condition.go: Condition tree and JSON schemas
  - evaluate.go: Evaluator
  - orchestrator.go: Evaluating all active rules against one event
  - factory/: Rule definitions from JSON/YAML files and presets
*/
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// TYPES
// =============================================================================

// Rule is a parsed rule version.
type Rule struct {
	ID          core.RuleID    `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Conditions  Condition      `json:"conditions"`
	Actions     []Action       `json:"actions"`
	IsActive    bool           `json:"isActive"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Definition is the input to Create. IsActive defaults to true.
type Definition struct {
	Name        string
	Description string
	Conditions  Condition
	Actions     []Action
	Metadata    map[string]any
	IsActive    *bool
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &core.FieldError{Field: "name", Reason: "must not be empty", Err: core.ErrInvalidRule}
	}
	if d.Conditions == nil {
		return &core.FieldError{Field: "conditions", Reason: "required", Err: core.ErrInvalidCondition}
	}
	if err := Validate(d.Conditions); err != nil {
		return err
	}
	return ValidateActions(d.Actions)
}

// Patch changes a rule. Nil fields are left as they are.
type Patch struct {
	Name        *string
	Description *string
	Conditions  Condition
	Actions     []Action
	Metadata    map[string]any
	IsActive    *bool
}

func (p Patch) onlyActive() bool {
	return p.IsActive != nil && p.Name == nil && p.Description == nil &&
		p.Conditions == nil && p.Actions == nil && p.Metadata == nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Clock  core.Clock
	Logger *slog.Logger
}

type Service struct {
	store core.TxStore
	clock core.Clock
	log   *slog.Logger
}

func New(store core.TxStore, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{store: store, clock: opts.Clock, log: opts.Logger}
}

// Create stores def as the next version of its name.
func (s *Service) Create(ctx context.Context, def Definition) (*Rule, error) {
	def.Name = strings.TrimSpace(def.Name)
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var rule *Rule
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := s.createVersion(ctx, tx, def)
		rule = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "rule version created",
		"rule_id", rule.ID, "name", rule.Name, "version", rule.Version)
	return rule, nil
}

func (s *Service) createVersion(ctx context.Context, tx core.Store, def Definition) (*Rule, error) {
	latest, err := tx.LatestRule(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	version := 1
	if latest != nil {
		version = latest.Version + 1
		if err := tx.DeactivateRuleVersions(ctx, def.Name); err != nil {
			return nil, err
		}
	}

	conditionsJSON, err := json.Marshal(def.Conditions)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(def.Actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}

	active := true
	if def.IsActive != nil {
		active = *def.IsActive
	}

	rec := core.RuleRecord{
		ID:             core.RuleID(core.NewID()),
		Name:           def.Name,
		Description:    def.Description,
		Version:        version,
		ConditionsJSON: string(conditionsJSON),
		ActionsJSON:    string(actionsJSON),
		IsActive:       active,
		Metadata:       def.Metadata,
		CreatedAt:      s.clock.Now(),
	}
	if err := tx.InsertRule(ctx, rec); err != nil {
		return nil, err
	}
	return toRule(rec)
}

// Update applies patch to the rule with the given id. Toggling only
// IsActive is done in place; anything else writes a new version merged from
// the existing row.
func (s *Service) Update(ctx context.Context, id core.RuleID, patch Patch) (*Rule, error) {
	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}

	if patch.onlyActive() {
		return s.setActive(ctx, existing, *patch.IsActive)
	}

	current, err := toRule(*existing)
	if err != nil {
		return nil, err
	}
	def := Definition{
		Name:        current.Name,
		Description: current.Description,
		Conditions:  current.Conditions,
		Actions:     current.Actions,
		Metadata:    current.Metadata,
		IsActive:    patch.IsActive,
	}
	if patch.Name != nil {
		def.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Conditions != nil {
		def.Conditions = patch.Conditions
	}
	if patch.Actions != nil {
		def.Actions = patch.Actions
	}
	if patch.Metadata != nil {
		def.Metadata = patch.Metadata
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var rule *Rule
	err = s.store.WithTx(ctx, func(tx core.Store) error {
		// A rename leaves the old name without a successor, so retire the
		// source version explicitly.
		if def.Name != existing.Name {
			if err := tx.SetRuleActive(ctx, existing.ID, false); err != nil {
				return err
			}
		}
		r, err := s.createVersion(ctx, tx, def)
		rule = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "rule updated",
		"from_rule_id", id, "rule_id", rule.ID, "name", rule.Name, "version", rule.Version)
	return rule, nil
}

func (s *Service) setActive(ctx context.Context, rec *core.RuleRecord, active bool) (*Rule, error) {
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		if active {
			if err := tx.DeactivateRuleVersions(ctx, rec.Name); err != nil {
				return err
			}
		}
		return tx.SetRuleActive(ctx, rec.ID, active)
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "rule activation changed",
		"rule_id", rec.ID, "name", rec.Name, "version", rec.Version, "active", active)
	return s.GetByID(ctx, rec.ID)
}

// Deactivate soft-deletes a rule version. Rows are never removed.
func (s *Service) Deactivate(ctx context.Context, id core.RuleID) (*Rule, error) {
	rec, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	return s.setActive(ctx, rec, false)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetByID(ctx context.Context, id core.RuleID) (*Rule, error) {
	rec, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRuleNotFound, id)
	}
	return toRule(*rec)
}

// List returns rules ordered by name, newest version first.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]Rule, error) {
	recs, err := s.store.ListRules(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := toRule(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *Service) ListActive(ctx context.Context) ([]Rule, error) {
	return s.List(ctx, true)
}

// GetLatestPerName returns the highest version of every rule name,
// whether or not it is active.
func (s *Service) GetLatestPerName(ctx context.Context) ([]Rule, error) {
	all, err := s.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []Rule
	for _, r := range all {
		if len(out) > 0 && out[len(out)-1].Name == r.Name {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func toRule(rec core.RuleRecord) (*Rule, error) {
	cond, err := parseStored(rec.ConditionsJSON)
	if err != nil {
		return nil, fmt.Errorf("rule %s v%d: %w", rec.Name, rec.Version, err)
	}
	actions, err := decodeActions([]byte(rec.ActionsJSON))
	if err != nil {
		return nil, fmt.Errorf("rule %s v%d: %w: %v", rec.Name, rec.Version, core.ErrInvalidAction, err)
	}
	return &Rule{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Version:     rec.Version,
		Conditions:  cond,
		Actions:     actions,
		IsActive:    rec.IsActive,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
	}, nil
}
