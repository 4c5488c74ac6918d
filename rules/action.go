package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// ACTIONS
// =============================================================================

type ActionType string

const (
	ActionCreateReward     ActionType = "createReward"
	ActionSetRewardStatus  ActionType = "setRewardStatus"
	ActionIssueVoucher     ActionType = "issueVoucher"
	ActionSendNotification ActionType = "sendNotification"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateReward, ActionSetRewardStatus, ActionIssueVoucher, ActionSendNotification:
		return true
	}
	return false
}

// Action is forwarded to callers untouched. Only createReward has a native
// executor (the rewards service); the rest are for external collaborators.
type Action struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ParseActions decodes and validates an action list.
func ParseActions(data []byte) ([]Action, error) {
	actions, err := decodeActions(data)
	if err != nil {
		return nil, &core.FieldError{Field: "actions", Reason: err.Error(), Err: core.ErrInvalidAction}
	}
	if err := ValidateActions(actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func decodeActions(data []byte) ([]Action, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var actions []Action
	if err := dec.Decode(&actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// ValidateActions requires at least one action, known types and usable
// createReward/setRewardStatus params.
func ValidateActions(actions []Action) error {
	if len(actions) == 0 {
		return &core.FieldError{Field: "actions", Reason: "at least one action is required", Err: core.ErrInvalidAction}
	}
	for i, a := range actions {
		field := fmt.Sprintf("actions[%d]", i)
		if !a.Type.Valid() {
			return &core.FieldError{Field: field + ".type", Reason: fmt.Sprintf("unknown action type %q", a.Type), Err: core.ErrInvalidAction}
		}
		switch a.Type {
		case ActionCreateReward:
			amount, err := a.Amount()
			if err != nil {
				return &core.FieldError{Field: field + ".params.amount", Reason: err.Error(), Err: core.ErrInvalidAction}
			}
			if !amount.IsPositive() {
				return &core.FieldError{Field: field + ".params.amount", Reason: "must be positive", Err: core.ErrInvalidAction}
			}
		case ActionSetRewardStatus:
			status, _ := a.Params["status"].(string)
			if !core.RewardStatus(status).Valid() {
				return &core.FieldError{Field: field + ".params.status", Reason: fmt.Sprintf("unknown reward status %q", status), Err: core.ErrInvalidAction}
			}
		}
	}
	return nil
}

// Amount reads params.amount as a decimal. JSON numbers, YAML numbers and
// numeric strings are accepted.
func (a Action) Amount() (decimal.Decimal, error) {
	switch v := a.Params["amount"].(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("amount is required")
	default:
		return decimal.Zero, fmt.Errorf("amount has unsupported type %T", v)
	}
}

// Currency reads params.currency, or returns fallback.
func (a Action) Currency(fallback string) string {
	if c, ok := a.Params["currency"].(string); ok && c != "" {
		return c
	}
	return fallback
}
