/*
store.go - Persistence contracts for users, ledger entries, rewards, rules and
idempotency records

PURPOSE:
  Defines the interface between the services and the database. Different
  backends (SQLite, PostgreSQL) implement the same contract and are verified
  by the shared suite in store/storetest.

APPEND-ONLY CONTRACT:
  EntryStore has InsertEntry and VoidEntry, and nothing else that writes.
  VoidEntry only moves POSTED -> VOID and returns ErrAlreadyVoid otherwise.
  There is no Update or Delete for entries.

UNIQUENESS:
  Backends MUST enforce these with storage constraints, not in-process
  checks, since several service instances may race:
  - users.email                       -> ErrEmailTaken
  - idempotency key (records+rewards) -> ErrDuplicateIdempotencyKey
  - entries.reversal_of               -> ErrAlreadyReversed
  - rules(name, version)              -> ErrConcurrentModification

NOT FOUND:
  Getters return (nil, nil) when the row does not exist. Services decide
  which not-found error to raise.

ATOMICITY:
  TxStore.WithTx runs fn against a Store bound to one transaction. If fn
  returns an error everything is rolled back.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Composite persistence interface
// =============================================================================

type UserStore interface {
	InsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUserName(ctx context.Context, id UserID, name string) error
	ListUsers(ctx context.Context) ([]User, error)
}

// EntryStore is APPEND-ONLY apart from VoidEntry.
type EntryStore interface {
	InsertEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// GetReversalOf returns the REVERSAL entry pointing at id, if any.
	GetReversalOf(ctx context.Context, id EntryID) (*Entry, error)

	// VoidEntry flips a POSTED entry to VOID. ErrAlreadyVoid otherwise.
	VoidEntry(ctx context.Context, id EntryID) error

	// LoadEntries returns every entry of a user ordered by (created_at, id).
	LoadEntries(ctx context.Context, userID UserID) ([]Entry, error)

	// PageEntries returns up to limit entries of a user ordered by
	// (created_at DESC, id DESC), strictly after the cursor entry when given.
	PageEntries(ctx context.Context, userID UserID, after *Entry, limit int) ([]Entry, error)

	// EntriesByReward returns every entry tagged with a reward, oldest first.
	EntriesByReward(ctx context.Context, rewardID RewardID) ([]Entry, error)
}

type RewardStore interface {
	InsertReward(ctx context.Context, r Reward) error
	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	GetRewardByIdempotencyKey(ctx context.Context, key string) (*Reward, error)

	// TransitionReward is a compare-and-set on status. If the stored status
	// is not from, it returns ErrConcurrentModification.
	TransitionReward(ctx context.Context, id RewardID, from, to RewardStatus, at time.Time) error

	ListRewards(ctx context.Context, filter RewardFilter) ([]Reward, error)
}

type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error

	// PurgeIdempotencyRecords deletes records that expired before the given
	// time and returns how many were removed.
	PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}

type RuleStore interface {
	InsertRule(ctx context.Context, r RuleRecord) error
	GetRule(ctx context.Context, id RuleID) (*RuleRecord, error)

	// LatestRule returns the highest version stored under name.
	LatestRule(ctx context.Context, name string) (*RuleRecord, error)

	SetRuleActive(ctx context.Context, id RuleID, active bool) error

	// DeactivateRuleVersions clears is_active on every version of name.
	DeactivateRuleVersions(ctx context.Context, name string) error

	// ListRules returns rules ordered by name ASC, version DESC.
	ListRules(ctx context.Context, activeOnly bool) ([]RuleRecord, error)
}

type Store interface {
	UserStore
	EntryStore
	RewardStore
	IdempotencyStore
	RuleStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Bound adapts a Store that is already inside a transaction to TxStore.
// Nested WithTx calls run inline in the outer transaction.
func Bound(s Store) TxStore {
	if ts, ok := s.(boundStore); ok {
		return ts
	}
	return boundStore{s}
}

type boundStore struct {
	Store
}

func (b boundStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(b.Store)
}
