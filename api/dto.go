/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Amounts are
  always rendered as fixed-scale decimal strings ("500.00") so clients never
  see binary floating point.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around lists and pages

TYPES:
  Users:     UserDTO, CreateUserRequest, UpdateUserRequest, BalanceDTO
  Ledger:    EntryDTO, CreateEntryRequest, ReverseEntryRequest, EntryPageDTO
  Rewards:   RewardDTO, CreditRequest, CreditResponse, PayRequest,
             ReverseRewardRequest, TransitionResponse, RewardDetailDTO
  Rules:     UpdateRuleRequest, EvaluateRequest, EvaluateResponse
  Events:    EventRequest, EventResponse, ExecutedActionDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rewards"
	"github.com/warp/referral-ledger/rules"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type UpdateUserRequest struct {
	Name string `json:"name"`
}

// BalanceDTO is a user's balance. Balance sums every currency;
// ByCurrency splits it.
type BalanceDTO struct {
	UserID     string            `json:"userId"`
	Balance    string            `json:"balance"`
	Currency   string            `json:"currency"`
	ByCurrency map[string]string `json:"byCurrency"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId"`
	RewardID          string         `json:"rewardId,omitempty"`
	Type              string         `json:"type"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	ReversalOfEntryID string         `json:"reversalOfEntryId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         string         `json:"createdAt"`
}

type CreateEntryRequest struct {
	UserID            string          `json:"userId"`
	RewardID          string          `json:"rewardId"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ReversalOfEntryID string          `json:"reversalOfEntryId"`
	Metadata          map[string]any  `json:"metadata"`
}

type ReverseEntryRequest struct {
	Reason string `json:"reason"`
}

type EntryPageDTO struct {
	Entries    []EntryDTO `json:"entries"`
	HasMore    bool       `json:"hasMore"`
	NextCursor string     `json:"nextCursor,omitempty"`
	Limit      int        `json:"limit"`
}

// =============================================================================
// REWARDS
// =============================================================================

type RewardDTO struct {
	ID             string         `json:"id"`
	ReferrerID     string         `json:"referrerId"`
	ReferredID     string         `json:"referredId"`
	Amount         string         `json:"amount"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"createdAt"`
	UpdatedAt      string         `json:"updatedAt"`
}

// CreditRequest accepts the idempotency key in the body or in the
// Idempotency-Key header.
type CreditRequest struct {
	ReferrerID     string          `json:"referrerId"`
	ReferredID     string          `json:"referredId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Metadata       map[string]any  `json:"metadata"`
}

type CreditResponse struct {
	Reward      RewardDTO `json:"reward"`
	LedgerEntry EntryDTO  `json:"ledgerEntry"`
	Replayed    bool      `json:"replayed"`
}

type PayRequest struct {
	PaymentReference string `json:"paymentReference"`
}

type ReverseRewardRequest struct {
	Reason string `json:"reason"`
}

type TransitionResponse struct {
	Reward      RewardDTO `json:"reward"`
	LedgerEntry EntryDTO  `json:"ledgerEntry"`
}

type RewardDetailDTO struct {
	Reward        RewardDTO  `json:"reward"`
	LedgerEntries []EntryDTO `json:"ledgerEntries"`
}

// =============================================================================
// RULES
// =============================================================================

// UpdateRuleRequest fields are optional; absent fields keep their value.
type UpdateRuleRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Conditions  json.RawMessage `json:"conditions"`
	Actions     json.RawMessage `json:"actions"`
	Metadata    map[string]any  `json:"metadata"`
	IsActive    *bool           `json:"isActive"`
}

type EvaluateRequest struct {
	Event   json.RawMessage `json:"event"`
	Explain bool            `json:"explain"`
}

type EvaluateResponse struct {
	TriggeredActions []rules.TriggeredAction `json:"triggeredActions"`
	Results          []rules.Result          `json:"results,omitempty"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventRequest is an event to evaluate and execute. EventID scopes the
// idempotency keys of the rewards it creates, so replaying the same event
// never pays twice.
type EventRequest struct {
	EventID string          `json:"eventId"`
	Event   json.RawMessage `json:"event"`
}

type ExecutedActionDTO struct {
	RuleID         string          `json:"ruleId"`
	RuleName       string          `json:"ruleName"`
	RuleVersion    int             `json:"ruleVersion"`
	ActionIndex    int             `json:"actionIndex"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Result         *CreditResponse `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type EventResponse struct {
	EventID          string                  `json:"eventId"`
	TriggeredActions []rules.TriggeredAction `json:"triggeredActions"`
	Executed         []ExecutedActionDTO     `json:"executed"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toUserDTO(u core.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

func toUserDTOs(users []core.User) []UserDTO {
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	return out
}

func (h *Handler) toEntryDTO(e core.Entry) EntryDTO {
	return EntryDTO{
		ID:                string(e.ID),
		UserID:            string(e.UserID),
		RewardID:          string(e.RewardID),
		Type:              string(e.Type),
		Amount:            h.numeric.Format(e.Amount),
		Currency:          e.Currency,
		Status:            string(e.Status),
		ReversalOfEntryID: string(e.ReversalOf),
		Metadata:          e.Metadata,
		CreatedAt:         formatTime(e.CreatedAt),
	}
}

func (h *Handler) toEntryDTOs(entries []core.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.toEntryDTO(e))
	}
	return out
}

func (h *Handler) toRewardDTO(r core.Reward) RewardDTO {
	return RewardDTO{
		ID:             string(r.ID),
		ReferrerID:     string(r.ReferrerID),
		ReferredID:     string(r.ReferredID),
		Amount:         h.numeric.Format(r.Amount),
		Currency:       r.Currency,
		Status:         string(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
		CreatedAt:      formatTime(r.CreatedAt),
		UpdatedAt:      formatTime(r.UpdatedAt),
	}
}

func (h *Handler) toRewardDTOs(list []core.Reward) []RewardDTO {
	out := make([]RewardDTO, 0, len(list))
	for _, r := range list {
		out = append(out, h.toRewardDTO(r))
	}
	return out
}

func (h *Handler) toCreditResponse(res *rewards.CreditResult) *CreditResponse {
	return &CreditResponse{
		Reward:      h.toRewardDTO(res.Reward),
		LedgerEntry: h.toEntryDTO(res.Entry),
		Replayed:    res.Replayed,
	}
}

func (h *Handler) toTransitionResponse(t *rewards.Transition) TransitionResponse {
	return TransitionResponse{
		Reward:      h.toRewardDTO(t.Reward),
		LedgerEntry: h.toEntryDTO(t.Entry),
	}
}
