/*
Package ledger is the append-only source of truth for all value movements.

PURPOSE:
  Every credit, payout and reversal is recorded here as an immutable Entry.
  Balance is always computed by folding entries - there is no separate
  "balance" column that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE MUTATION: Status may go POSTED -> VOID, only as the side effect of
     writing a REVERSAL that points at the entry.
  3. POSITIVE AMOUNTS: Direction comes from Type, never from the sign.
  4. SINGLE REVERSAL: At most one REVERSAL may reference an entry.

CORRECTIONS:
  A mistake is never edited. ReverseEntry writes a REVERSAL with the same
  amount and currency and voids the original, in one transaction:

    CREDIT 500 (POSTED)                   balance 500
    CREDIT 500 (VOID) + REVERSAL 500      balance 0

  Void rows are excluded from the balance and REVERSAL rows are never
  summed, so the correction is counted exactly once.

  Entries tagged with a reward are only reversed through the reward
  (ReverseRewardEntry), so the reward's status and its ledger agree.

SEE ALSO:
  - balance.go: Pure fold used for balances
  - core/store.go: EntryStore contract
  - rewards/service.go: Posts entries as rewards move through their states
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
)

// DefaultCurrency is used when a caller leaves Currency empty.
const DefaultCurrency = "INR"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// =============================================================================
// LEDGER
// =============================================================================

// Options configures a Ledger. A nil Numeric means core.DefaultNumeric().
type Options struct {
	Numeric  *core.Numeric
	Clock    core.Clock
	Logger   *slog.Logger
	Currency string
}

type Ledger struct {
	store    core.TxStore
	numeric  core.Numeric
	clock    core.Clock
	log      *slog.Logger
	currency string
}

func New(store core.TxStore, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	return &Ledger{
		store:    store,
		numeric:  opts.Numeric.OrDefault(),
		clock:    opts.Clock,
		log:      opts.Logger,
		currency: opts.Currency,
	}
}

// Bind returns a Ledger whose writes join the caller's open transaction.
func (l *Ledger) Bind(tx core.Store) *Ledger {
	bound := *l
	bound.store = core.Bound(tx)
	return &bound
}

// EntryParams describes a new entry. RewardID, ReversalOf and Metadata are
// optional.
type EntryParams struct {
	UserID     core.UserID
	RewardID   core.RewardID
	Type       core.EntryType
	Amount     decimal.Decimal
	Currency   string
	ReversalOf core.EntryID
	Metadata   map[string]any
}

// =============================================================================
// WRITES
// =============================================================================

// CreateEntry appends one entry. An entry with ReversalOf must be a REVERSAL
// and goes through the same atomic path as ReverseEntry, so the target is
// voided in the same transaction.
func (l *Ledger) CreateEntry(ctx context.Context, p EntryParams) (*core.Entry, error) {
	if !p.Type.Valid() {
		return nil, &core.FieldError{Field: "type", Reason: fmt.Sprintf("unknown entry type %q", p.Type), Err: core.ErrInvalidEntry}
	}
	amount, err := l.numeric.Positive(p.Amount)
	if err != nil {
		return nil, err
	}
	if p.Type == core.EntryReversal && p.ReversalOf == "" {
		return nil, &core.FieldError{Field: "reversalOfEntryId", Reason: "required for REVERSAL entries", Err: core.ErrInvalidEntry}
	}
	if p.ReversalOf != "" && p.Type != core.EntryReversal {
		return nil, &core.FieldError{Field: "type", Reason: "only REVERSAL entries may reference another entry", Err: core.ErrInvalidEntry}
	}
	currency := p.Currency
	if currency == "" {
		currency = l.currency
	}

	var created *core.Entry
	err = l.store.WithTx(ctx, func(tx core.Store) error {
		if err := requireUser(ctx, tx, p.UserID); err != nil {
			return err
		}

		if p.ReversalOf != "" {
			original, err := tx.GetEntry(ctx, p.ReversalOf)
			if err != nil {
				return err
			}
			if original == nil {
				return fmt.Errorf("%w: %s", core.ErrEntryNotFound, p.ReversalOf)
			}
			if original.Status == core.EntryVoid {
				return fmt.Errorf("%w: %s", core.ErrAlreadyVoid, original.ID)
			}
			if original.UserID != p.UserID {
				return &core.FieldError{Field: "userId", Reason: "must match the reversed entry", Err: core.ErrInvalidEntry}
			}
			if !original.Amount.Equal(amount) || original.Currency != currency {
				return &core.FieldError{Field: "amount", Reason: "must equal the reversed entry's amount and currency", Err: core.ErrInvalidAmount}
			}
			if err := notRewardOwned(original); err != nil {
				return err
			}
			reason, _ := p.Metadata["reason"].(string)
			created, err = l.reverseLocked(ctx, tx, original, reason, p.Metadata)
			return err
		}

		created = &core.Entry{
			ID:        core.EntryID(core.NewID()),
			UserID:    p.UserID,
			RewardID:  p.RewardID,
			Type:      p.Type,
			Amount:    amount,
			Currency:  currency,
			Status:    core.EntryPosted,
			Metadata:  cloneMetadata(p.Metadata),
			CreatedAt: l.clock.Now(),
		}
		if err := tx.InsertEntry(ctx, *created); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.InfoContext(ctx, "ledger entry posted",
		"entry_id", created.ID,
		"user_id", created.UserID,
		"reward_id", created.RewardID,
		"type", created.Type,
		"amount", l.numeric.Format(created.Amount),
		"currency", created.Currency,
	)
	return created, nil
}

// CreateCredit posts a CREDIT entry for a user.
func (l *Ledger) CreateCredit(ctx context.Context, userID core.UserID, amount decimal.Decimal, currency string, rewardID core.RewardID, metadata map[string]any) (*core.Entry, error) {
	return l.CreateEntry(ctx, EntryParams{
		UserID:   userID,
		RewardID: rewardID,
		Type:     core.EntryCredit,
		Amount:   amount,
		Currency: currency,
		Metadata: withAction(metadata, "credit"),
	})
}

// CreateDebit posts a DEBIT entry for a user.
func (l *Ledger) CreateDebit(ctx context.Context, userID core.UserID, amount decimal.Decimal, currency string, rewardID core.RewardID, metadata map[string]any) (*core.Entry, error) {
	return l.CreateEntry(ctx, EntryParams{
		UserID:   userID,
		RewardID: rewardID,
		Type:     core.EntryDebit,
		Amount:   amount,
		Currency: currency,
		Metadata: withAction(metadata, "debit"),
	})
}

// ReverseEntry writes a REVERSAL for entryID and voids the original. Both
// happen in one transaction or not at all. Entries that belong to a reward
// are rejected; those are reversed through the reward so its status follows.
func (l *Ledger) ReverseEntry(ctx context.Context, entryID core.EntryID, reason string) (*core.Entry, error) {
	return l.reverse(ctx, entryID, "", reason)
}

// ReverseRewardEntry reverses an entry of rewardID. The caller owns the
// reward's status change and must run this in the same transaction.
func (l *Ledger) ReverseRewardEntry(ctx context.Context, rewardID core.RewardID, entryID core.EntryID, reason string) (*core.Entry, error) {
	return l.reverse(ctx, entryID, rewardID, reason)
}

func (l *Ledger) reverse(ctx context.Context, entryID core.EntryID, rewardID core.RewardID, reason string) (*core.Entry, error) {
	var reversal *core.Entry
	err := l.store.WithTx(ctx, func(tx core.Store) error {
		original, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if original == nil {
			return fmt.Errorf("%w: %s", core.ErrEntryNotFound, entryID)
		}
		if rewardID == "" {
			if err := notRewardOwned(original); err != nil {
				return err
			}
		} else if original.RewardID != rewardID {
			return &core.FieldError{Field: "entryId", Reason: fmt.Sprintf("does not belong to reward %s", rewardID), Err: core.ErrInvalidEntry}
		}
		reversal, err = l.reverseLocked(ctx, tx, original, reason, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.InfoContext(ctx, "ledger entry reversed",
		"entry_id", entryID,
		"reversal_id", reversal.ID,
		"user_id", reversal.UserID,
		"reward_id", reversal.RewardID,
		"amount", l.numeric.Format(reversal.Amount),
		"reason", reason,
	)
	return reversal, nil
}

func notRewardOwned(e *core.Entry) error {
	if e.RewardID == "" {
		return nil
	}
	return &core.FieldError{
		Field:  "entryId",
		Reason: fmt.Sprintf("belongs to reward %s; reverse the reward instead", e.RewardID),
		Err:    core.ErrInvalidEntry,
	}
}

func (l *Ledger) reverseLocked(ctx context.Context, tx core.Store, original *core.Entry, reason string, extra map[string]any) (*core.Entry, error) {
	if original.Status == core.EntryVoid {
		return nil, fmt.Errorf("%w: %s", core.ErrAlreadyVoid, original.ID)
	}
	if original.Type == core.EntryReversal {
		return nil, &core.FieldError{Field: "entryId", Reason: "reversal entries cannot be reversed", Err: core.ErrInvalidEntry}
	}
	existing, err := tx.GetReversalOf(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s (reversal %s)", core.ErrAlreadyReversed, original.ID, existing.ID)
	}

	if reason == "" {
		reason = "Manual reversal"
	}
	metadata := cloneMetadata(extra)
	if metadata == nil {
		metadata = make(map[string]any, 4)
	}
	metadata["action"] = "reversal"
	metadata["reason"] = reason
	metadata["originalEntryId"] = string(original.ID)
	metadata["originalType"] = string(original.Type)

	reversal := &core.Entry{
		ID:         core.EntryID(core.NewID()),
		UserID:     original.UserID,
		RewardID:   original.RewardID,
		Type:       core.EntryReversal,
		Amount:     original.Amount,
		Currency:   original.Currency,
		Status:     core.EntryPosted,
		ReversalOf: original.ID,
		Metadata:   metadata,
		CreatedAt:  l.clock.Now(),
	}
	if err := tx.InsertEntry(ctx, *reversal); err != nil {
		return nil, fmt.Errorf("insert reversal: %w", err)
	}
	// The only mutation ever applied to an entry.
	if err := tx.VoidEntry(ctx, original.ID); err != nil {
		return nil, fmt.Errorf("void entry %s: %w", original.ID, err)
	}
	return reversal, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetEntry(ctx context.Context, id core.EntryID) (*core.Entry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrEntryNotFound, id)
	}
	return e, nil
}

// CalculateBalance returns Σ CREDIT − Σ DEBIT over POSTED entries.
func (l *Ledger) CalculateBalance(ctx context.Context, userID core.UserID) (decimal.Decimal, error) {
	if err := requireUser(ctx, l.store, userID); err != nil {
		return decimal.Zero, err
	}
	entries, err := l.store.LoadEntries(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load entries: %w", err)
	}
	return l.numeric.Normalize(Balance(entries)), nil
}

// Balances is CalculateBalance split by currency.
func (l *Ledger) Balances(ctx context.Context, userID core.UserID) (map[string]decimal.Decimal, error) {
	if err := requireUser(ctx, l.store, userID); err != nil {
		return nil, err
	}
	entries, err := l.store.LoadEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	out := FoldByCurrency(nil, entries)
	for cur, v := range out {
		out[cur] = l.numeric.Normalize(v)
	}
	return out, nil
}

// Page is one slice of a user's history, newest first.
type Page struct {
	Entries    []core.Entry
	HasMore    bool
	NextCursor core.EntryID
	Limit      int
}

// ListByUser pages through a user's entries newest first. cursor is the id
// of the last entry of the previous page.
func (l *Ledger) ListByUser(ctx context.Context, userID core.UserID, cursor core.EntryID, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if err := requireUser(ctx, l.store, userID); err != nil {
		return nil, err
	}

	var after *core.Entry
	if cursor != "" {
		e, err := l.store.GetEntry(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if e == nil || e.UserID != userID {
			return nil, fmt.Errorf("%w: %s", core.ErrInvalidCursor, cursor)
		}
		after = e
	}

	entries, err := l.store.PageEntries(ctx, userID, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("page entries: %w", err)
	}

	page := &Page{Limit: limit}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Entries = entries
	if page.HasMore {
		page.NextCursor = entries[len(entries)-1].ID
	}
	return page, nil
}

// EntriesByReward returns every entry tagged with a reward, oldest first.
func (l *Ledger) EntriesByReward(ctx context.Context, rewardID core.RewardID) ([]core.Entry, error) {
	return l.store.EntriesByReward(ctx, rewardID)
}

// =============================================================================
// HELPERS
// =============================================================================

func requireUser(ctx context.Context, s core.UserStore, id core.UserID) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("%w: %s", core.ErrUserNotFound, id)
	}
	return nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func withAction(m map[string]any, action string) map[string]any {
	out := make(map[string]any, len(m)+1)
	maps.Copy(out, m)
	if _, ok := out["action"]; !ok {
		out["action"] = action
	}
	return out
}
