/*
Package factory builds rule definitions from JSON and YAML documents.

PURPOSE:
  Lets operators keep reward rules in version-controlled files instead of
  crafting API requests by hand. A document is decoded into a
  rules.Definition and validated the same way the API validates input, so
  a file that loads here will be accepted by rules.Service.Create.

DOCUMENT SCHEMA (JSON shown, YAML uses the same keys):
  {
    "name": "Referral Reward Rule",
    "description": "Pay the referrer once the referred user subscribes",
    "isActive": true,
    "conditions": {
      "operator": "AND",
      "operands": [
        {"field": "referrer.status", "op": "=", "value": "PAID"},
        {"field": "referred.action", "op": "=", "value": "SUBSCRIBED"}
      ]
    },
    "actions": [
      {"type": "createReward", "params": {"amount": 500, "currency": "INR"}}
    ],
    "metadata": {"category": "referral"}
  }

  Conditions may also use the older {type, children} schema. A file may
  hold a single rule or a {"rules": [...]} list.

USAGE:
  f := factory.NewRuleFactory()

  def, err := f.ParseRuleYAML(data)
  defs, err := f.LoadRuleFile("rules/referral.yaml")

  // Built-in preset
  rule, err := rulesService.Create(ctx, factory.ReferralRewardRule())

SEE ALSO:
  - rules/condition.go: Condition schemas
  - rules/action.go: Action validation
  - api/scenarios.go: Seeds rules through this package
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rules"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// RuleDocument is the serialized form of a rule definition.
type RuleDocument struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	IsActive    *bool           `json:"isActive,omitempty"`
	Conditions  rules.Condition `json:"conditions"`
	Actions     []rules.Action  `json:"actions"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// RuleFactory converts documents into rule definitions.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRuleJSON decodes a single rule document.
func (f *RuleFactory) ParseRuleJSON(data []byte) (rules.Definition, error) {
	doc, err := decodeJSON(data)
	if err != nil {
		return rules.Definition{}, err
	}
	return f.fromMap(doc)
}

// ParseRuleYAML decodes a single rule document written in YAML.
func (f *RuleFactory) ParseRuleYAML(data []byte) (rules.Definition, error) {
	doc, err := decodeYAML(data)
	if err != nil {
		return rules.Definition{}, err
	}
	return f.fromMap(doc)
}

// LoadRuleFile reads one or more rule definitions from path. Files ending in
// .yaml or .yml are decoded as YAML, everything else as JSON.
func (f *RuleFactory) LoadRuleFile(path string) ([]rules.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = decodeYAML(data)
	default:
		doc, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	list, ok := doc["rules"]
	if !ok {
		def, err := f.fromMap(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []rules.Definition{def}, nil
	}

	items, ok := list.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, invalid("rules", "must be a list"))
	}
	defs := make([]rules.Definition, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, invalid(fmt.Sprintf("rules[%d]", i), "must be an object"))
		}
		def, err := f.fromMap(m)
		if err != nil {
			return nil, fmt.Errorf("%s: rules[%d]: %w", path, i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ToJSON renders a definition in the document schema. Conditions are always
// written in the current schema.
func (f *RuleFactory) ToJSON(def rules.Definition) ([]byte, error) {
	return json.MarshalIndent(RuleDocument{
		Name:        def.Name,
		Description: def.Description,
		IsActive:    def.IsActive,
		Conditions:  def.Conditions,
		Actions:     def.Actions,
		Metadata:    def.Metadata,
	}, "", "  ")
}

func (f *RuleFactory) fromMap(doc map[string]any) (rules.Definition, error) {
	var def rules.Definition

	name, _ := doc["name"].(string)
	def.Name = strings.TrimSpace(name)
	def.Description, _ = doc["description"].(string)

	if raw, ok := doc["isActive"]; ok {
		active, ok := raw.(bool)
		if !ok {
			return def, invalid("isActive", "must be a boolean")
		}
		def.IsActive = &active
	}

	condMap, ok := doc["conditions"].(map[string]any)
	if !ok {
		return def, &core.FieldError{Field: "conditions", Reason: "must be an object", Err: core.ErrInvalidCondition}
	}
	cond, err := rules.FromMap(condMap)
	if err != nil {
		return def, err
	}
	def.Conditions = cond

	actions, err := parseActions(doc["actions"])
	if err != nil {
		return def, err
	}
	def.Actions = actions

	if raw, ok := doc["metadata"]; ok && raw != nil {
		meta, ok := raw.(map[string]any)
		if !ok {
			return def, invalid("metadata", "must be an object")
		}
		def.Metadata = meta
	}

	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

func parseActions(raw any) ([]rules.Action, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, &core.FieldError{Field: "actions", Reason: "must be a list", Err: core.ErrInvalidAction}
	}
	actions := make([]rules.Action, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &core.FieldError{Field: fmt.Sprintf("actions[%d]", i), Reason: "must be an object", Err: core.ErrInvalidAction}
		}
		typ, _ := m["type"].(string)
		a := rules.Action{Type: rules.ActionType(typ)}
		if params, ok := m["params"]; ok && params != nil {
			p, ok := params.(map[string]any)
			if !ok {
				return nil, &core.FieldError{Field: fmt.Sprintf("actions[%d].params", i), Reason: "must be an object", Err: core.ErrInvalidAction}
			}
			a.Params = p
		}
		actions = append(actions, a)
	}
	if err := rules.ValidateActions(actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// =============================================================================
// DECODING
// =============================================================================

func decodeJSON(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("document", err.Error())
	}
	if doc == nil {
		return nil, invalid("document", "must be an object")
	}
	return doc, nil
}

// decodeYAML decodes into generic maps. yaml.v3 produces map[string]any for
// mappings with string keys, which is all the schema allows.
func decodeYAML(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid("document", err.Error())
	}
	if doc == nil {
		return nil, invalid("document", "must be a mapping")
	}
	return doc, nil
}

func invalid(field, reason string) error {
	return &core.FieldError{Field: field, Reason: reason, Err: core.ErrInvalidRule}
}
