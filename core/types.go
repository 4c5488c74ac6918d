/*
Package core provides the shared record types and persistence contracts for
the referral reward ledger and rule engine.

PURPOSE:
  This package holds everything the ledger, rewards and rules services agree
  on: typed identifiers, the persisted record shapes, the error taxonomy and
  the Store interface that backends implement. It has no business logic of
  its own beyond small value helpers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable ledger row recording one value movement for one user
  - Reward: A referral reward moving through PENDING/CONFIRMED/PAID/REVERSED
  - RuleRecord: A persisted, versioned rule snapshot (conditions as JSON)
  - IdempotencyRecord: A cached credit response keyed by a caller token
  - User: A referrer or referred person

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only voided by a reversal
  2. Precision: Amounts are decimal.Decimal, never float64
  3. Type Safety: Strong typing for IDs prevents mixing user/entry/reward IDs
  4. Direction by type: Amount is always positive, Type carries the sign

SEE ALSO:
  - store.go: Persistence contracts
  - errors.go: Sentinel and structured errors
  - numeric.go: Explicit rounding context for money
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type RewardID string
type RuleID string

// =============================================================================
// USER
// =============================================================================

type User struct {
	ID        UserID    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// LEDGER ENTRY - Immutable value movement
// =============================================================================

type EntryType string

const (
	EntryCredit   EntryType = "CREDIT"   // Value granted to the user
	EntryDebit    EntryType = "DEBIT"    // Value paid out
	EntryReversal EntryType = "REVERSAL" // Compensates a prior entry, which is voided
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryCredit, EntryDebit, EntryReversal:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryPosted EntryStatus = "POSTED"
	EntryVoid   EntryStatus = "VOID"
)

// Entry is a single ledger row. Only Status may change after insert, and only
// POSTED -> VOID when a reversal referencing it is written.
type Entry struct {
	ID         EntryID         `json:"id"`
	UserID     UserID          `json:"userId"`
	RewardID   RewardID        `json:"rewardId,omitempty"`
	Type       EntryType       `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     EntryStatus     `json:"status"`
	ReversalOf EntryID         `json:"reversalOfEntryId,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (e Entry) IsPosted() bool { return e.Status == EntryPosted }

// =============================================================================
// REWARD
// =============================================================================

type RewardStatus string

const (
	RewardPending   RewardStatus = "PENDING"
	RewardConfirmed RewardStatus = "CONFIRMED"
	RewardPaid      RewardStatus = "PAID"
	RewardReversed  RewardStatus = "REVERSED"
)

func (s RewardStatus) Valid() bool {
	switch s {
	case RewardPending, RewardConfirmed, RewardPaid, RewardReversed:
		return true
	}
	return false
}

type Reward struct {
	ID             RewardID        `json:"id"`
	ReferrerID     UserID          `json:"referrerId"`
	ReferredID     UserID          `json:"referredId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         RewardStatus    `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RewardFilter narrows ListRewards. Zero value lists everything.
type RewardFilter struct {
	Status RewardStatus
	Limit  int
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// =============================================================================
// RULE RECORD - Persisted rule version
// =============================================================================

// RuleRecord is the storage shape of a rule. Conditions and actions stay as
// JSON here; the rules package parses them into typed values.
type RuleRecord struct {
	ID             RuleID
	Name           string
	Description    string
	Version        int
	ConditionsJSON string
	ActionsJSON    string
	IsActive       bool
	Metadata       map[string]any
	CreatedAt      time.Time
}
