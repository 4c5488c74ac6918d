/*
Package rewards implements the referral reward state machine and the
idempotency guard that makes reward creation safe to retry.

PURPOSE:
  A Reward is the business record behind ledger value: it names who
  referred whom and for how much. Every status change that moves value
  posts a ledger entry in the same transaction as the status flip.

STATE MACHINE (see transitions.go):
  PENDING -> CONFIRMED -> PAID
  PENDING -> REVERSED
  CONFIRMED -> REVERSED

LEDGER EFFECTS:
  Credit:  Reward(PENDING) + CREDIT for the referrer
  Confirm: status only
  Pay:     DEBIT for the referrer (payout), refused if the CREDIT is void
  Reverse: REVERSAL of the reward's original CREDIT, which is voided

IDEMPOTENCY:
  Credit requires a caller key. The first request with a key does the work
  and stores its response; later requests with the same key and the same
  parameters get that response back unchanged. Two concurrent first
  requests race on the unique index; the loser rolls back and replays the
  winner's response. Once a record has expired, a retry is answered from
  the reward row that still holds the key.

SEE ALSO:
  - idempotency.go: Guard and request fingerprint
  - ledger/ledger.go: Entries posted by this service
*/
package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/ledger"
)

// creditAttempts bounds retries of a credit transaction that lost a
// serialization race. A retry either commits or replays the winner.
const creditAttempts = 3

// Options configures a Service. A nil Numeric means core.DefaultNumeric().
type Options struct {
	Numeric        *core.Numeric
	Clock          core.Clock
	Logger         *slog.Logger
	Currency       string
	IdempotencyTTL time.Duration
}

type Service struct {
	store    core.TxStore
	ledger   *ledger.Ledger
	guard    *Guard
	numeric  core.Numeric
	clock    core.Clock
	log      *slog.Logger
	currency string
}

func New(store core.TxStore, l *ledger.Ledger, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Currency == "" {
		opts.Currency = ledger.DefaultCurrency
	}
	return &Service{
		store:    store,
		ledger:   l,
		guard:    NewGuard(opts.IdempotencyTTL, opts.Clock),
		numeric:  opts.Numeric.OrDefault(),
		clock:    opts.Clock,
		log:      opts.Logger,
		currency: opts.Currency,
	}
}

// =============================================================================
// REQUEST / RESULT TYPES
// =============================================================================

type CreditRequest struct {
	ReferrerID     core.UserID
	ReferredID     core.UserID
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]any
}

// CreditResult is what Credit returns and what the idempotency record
// caches. Replayed is set on cached responses and is not part of the cache.
type CreditResult struct {
	Reward   core.Reward `json:"reward"`
	Entry    core.Entry  `json:"ledgerEntry"`
	Replayed bool        `json:"-"`
}

// Transition is the outcome of a status change that posted an entry.
type Transition struct {
	Reward core.Reward `json:"reward"`
	Entry  core.Entry  `json:"ledgerEntry"`
}

// Detail is a reward together with every ledger entry tagged with it.
type Detail struct {
	Reward  core.Reward  `json:"reward"`
	Entries []core.Entry `json:"ledgerEntries"`
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit creates a PENDING reward and the referrer's CREDIT entry, or replays
// the response of an earlier request with the same idempotency key.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.IdempotencyKey == "" {
		return nil, core.ErrMissingIdempotencyKey
	}
	if req.ReferrerID == req.ReferredID {
		return nil, core.ErrSelfReferral
	}
	amount, err := s.numeric.Positive(req.Amount)
	if err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	fingerprint := Fingerprint(req.ReferrerID, req.ReferredID, amount, currency)

	for attempt := 1; ; attempt++ {
		result, err := s.credit(ctx, req, amount, currency, fingerprint)
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			result, err = s.replay(ctx, req.IdempotencyKey, fingerprint)
		}
		switch {
		case err == nil:
			return result, nil
		case core.IsRetryable(err) && attempt < creditAttempts:
			s.log.DebugContext(ctx, "retrying credit after serialization failure",
				"idempotency_key", req.IdempotencyKey, "attempt", attempt)
			continue
		default:
			if errors.Is(err, core.ErrIdempotencyConflict) {
				s.log.WarnContext(ctx, "idempotency key reused with different parameters",
					"idempotency_key", req.IdempotencyKey)
			}
			return nil, err
		}
	}
}

func (s *Service) credit(ctx context.Context, req CreditRequest, amount decimal.Decimal, currency, fingerprint string) (*CreditResult, error) {
	var result *CreditResult
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		outcome, err := s.guard.CheckOrReserve(ctx, tx, req.IdempotencyKey, fingerprint)
		if err != nil {
			return err
		}
		if !outcome.Fresh {
			result, err = decodeCached(outcome.Cached)
			return err
		}

		for _, id := range []core.UserID{req.ReferrerID, req.ReferredID} {
			u, err := tx.GetUser(ctx, id)
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("%w: %s", core.ErrUserNotFound, id)
			}
		}

		now := s.clock.Now()
		reward := core.Reward{
			ID:             core.RewardID(core.NewID()),
			ReferrerID:     req.ReferrerID,
			ReferredID:     req.ReferredID,
			Amount:         amount,
			Currency:       currency,
			Status:         core.RewardPending,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertReward(ctx, reward); err != nil {
			return err
		}

		entry, err := s.ledger.Bind(tx).CreateCredit(ctx, req.ReferrerID, amount, currency, reward.ID, map[string]any{
			"rewardType":     "referral",
			"referredUserId": string(req.ReferredID),
		})
		if err != nil {
			return err
		}

		result = &CreditResult{Reward: reward, Entry: *entry}
		response, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode credit response: %w", err)
		}
		return s.guard.Store(ctx, tx, req.IdempotencyKey, fingerprint, response)
	})
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		s.log.InfoContext(ctx, "credit replayed",
			"idempotency_key", req.IdempotencyKey, "reward_id", result.Reward.ID)
	} else {
		s.log.InfoContext(ctx, "reward credited",
			"reward_id", result.Reward.ID,
			"referrer_id", req.ReferrerID,
			"referred_id", req.ReferredID,
			"amount", s.numeric.Format(amount),
			"currency", currency,
		)
	}
	return result, nil
}

// replay serves the response stored by the transaction that won the race
// for key, or rebuilds it from the reward row once the record has expired.
func (s *Service) replay(ctx context.Context, key, fingerprint string) (*CreditResult, error) {
	outcome, err := s.guard.CheckOrReserve(ctx, s.store, key, fingerprint)
	if err != nil {
		return nil, err
	}
	if outcome.Fresh {
		return s.replayFromReward(ctx, key, fingerprint)
	}
	s.log.InfoContext(ctx, "credit replayed after concurrent request", "idempotency_key", key)
	return decodeCached(outcome.Cached)
}

// replayFromReward answers a retry whose cached response is gone. The reward
// and its CREDIT are returned as they are now, so Status may have moved on
// from PENDING.
func (s *Service) replayFromReward(ctx context.Context, key, fingerprint string) (*CreditResult, error) {
	r, err := s.store.GetRewardByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		// The duplicate we hit rolled back; a fresh attempt can win.
		return nil, fmt.Errorf("%w: idempotency key %q", core.ErrConcurrentModification, key)
	}
	if Fingerprint(r.ReferrerID, r.ReferredID, s.numeric.Normalize(r.Amount), r.Currency) != fingerprint {
		return nil, fmt.Errorf("%w: key %q belongs to reward %s", core.ErrIdempotencyConflict, key, r.ID)
	}
	credit, err := s.originalCredit(ctx, s.store, r.ID)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "credit replayed from reward",
		"idempotency_key", key, "reward_id", r.ID, "status", r.Status)
	return &CreditResult{Reward: *r, Entry: *credit, Replayed: true}, nil
}

func decodeCached(cached []byte) (*CreditResult, error) {
	var result CreditResult
	if err := json.Unmarshal(cached, &result); err != nil {
		return nil, fmt.Errorf("decode cached credit response: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Confirm moves a reward PENDING -> CONFIRMED. No ledger effect.
func (s *Service) Confirm(ctx context.Context, id core.RewardID) (*core.Reward, error) {
	var reward *core.Reward
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := s.transition(ctx, tx, id, core.RewardConfirmed)
		reward = r
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "reward confirmed", "reward_id", id)
	return reward, nil
}

// Pay moves a reward CONFIRMED -> PAID and posts the payout DEBIT.
func (s *Service) Pay(ctx context.Context, id core.RewardID, paymentReference string) (*Transition, error) {
	var out *Transition
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := s.transition(ctx, tx, id, core.RewardPaid)
		if err != nil {
			return err
		}
		credit, err := s.originalCredit(ctx, tx, id)
		if err != nil {
			return err
		}
		if credit.Status == core.EntryVoid {
			return fmt.Errorf("%w: credit %s of reward %s", core.ErrAlreadyVoid, credit.ID, id)
		}
		metadata := map[string]any{"action": "payout"}
		if paymentReference != "" {
			metadata["paymentReference"] = paymentReference
		}
		entry, err := s.ledger.Bind(tx).CreateDebit(ctx, r.ReferrerID, r.Amount, r.Currency, r.ID, metadata)
		if err != nil {
			return err
		}
		out = &Transition{Reward: *r, Entry: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "reward paid",
		"reward_id", id,
		"entry_id", out.Entry.ID,
		"payment_reference", paymentReference,
	)
	return out, nil
}

// Reverse moves a PENDING or CONFIRMED reward to REVERSED and reverses its
// original CREDIT entry.
func (s *Service) Reverse(ctx context.Context, id core.RewardID, reason string) (*Transition, error) {
	var out *Transition
	err := s.store.WithTx(ctx, func(tx core.Store) error {
		r, err := s.transition(ctx, tx, id, core.RewardReversed)
		if err != nil {
			return err
		}
		credit, err := s.originalCredit(ctx, tx, id)
		if err != nil {
			return err
		}
		reversal, err := s.ledger.Bind(tx).ReverseRewardEntry(ctx, id, credit.ID, reason)
		if err != nil {
			return err
		}
		out = &Transition{Reward: *r, Entry: *reversal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "reward reversed", "reward_id", id, "reason", reason)
	return out, nil
}

// transition validates and applies from -> to on the stored reward. The
// status write is a compare-and-set against the status just read.
func (s *Service) transition(ctx context.Context, tx core.Store, id core.RewardID, to core.RewardStatus) (*core.Reward, error) {
	r, err := tx.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRewardNotFound, id)
	}
	if err := validateTransition(r.Status, to); err != nil {
		s.log.WarnContext(ctx, "rejected reward transition",
			"reward_id", id, "from", r.Status, "to", to)
		return nil, err
	}
	now := s.clock.Now()
	if err := tx.TransitionReward(ctx, id, r.Status, to, now); err != nil {
		return nil, err
	}
	r.Status = to
	r.UpdatedAt = now
	return r, nil
}

// originalCredit returns the earliest CREDIT tagged with the reward.
func (s *Service) originalCredit(ctx context.Context, store core.EntryStore, id core.RewardID) (*core.Entry, error) {
	entries, err := store.EntriesByReward(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Type == core.EntryCredit {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrNoCreditEntry, id)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id core.RewardID) (*Detail, error) {
	r, err := s.store.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRewardNotFound, id)
	}
	entries, err := s.ledger.EntriesByReward(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Reward: *r, Entries: entries}, nil
}

// List returns rewards newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status core.RewardStatus, limit int) ([]core.Reward, error) {
	if status != "" && !status.Valid() {
		return nil, &core.FieldError{Field: "status", Reason: fmt.Sprintf("unknown reward status %q", status), Err: core.ErrInvalidStatus}
	}
	return s.store.ListRewards(ctx, core.RewardFilter{Status: status, Limit: limit})
}
