package rewards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
)

// DefaultIdempotencyTTL is how long a cached credit response is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// =============================================================================
// IDEMPOTENCY GUARD
// =============================================================================

// Guard dedupes credit requests by caller-supplied key. It holds no state of
// its own; records live in the store so several processes share them.
//
// The guard only reads and writes records. Atomicity comes from calling it
// inside the same transaction that creates the reward, with the unique index
// on the key deciding which of two racing transactions commits.
type Guard struct {
	ttl   time.Duration
	clock core.Clock
}

func NewGuard(ttl time.Duration, clock core.Clock) *Guard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Guard{ttl: ttl, clock: clock}
}

// Outcome is the result of CheckOrReserve. When Fresh is false, Cached holds
// the stored response bytes to be returned verbatim.
type Outcome struct {
	Fresh  bool
	Cached []byte
}

// CheckOrReserve looks key up. A stored record with a matching fingerprint
// yields its cached response; a different fingerprint is a conflict. An
// expired record the sweeper has not removed yet counts as absent.
func (g *Guard) CheckOrReserve(ctx context.Context, store core.IdempotencyStore, key, fingerprint string) (Outcome, error) {
	if key == "" {
		return Outcome{}, core.ErrMissingIdempotencyKey
	}
	rec, err := store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("read idempotency key: %w", err)
	}
	if rec == nil || rec.Expired(g.clock.Now()) {
		return Outcome{Fresh: true}, nil
	}
	if rec.RequestHash != fingerprint {
		return Outcome{}, fmt.Errorf("%w: key %q", core.ErrIdempotencyConflict, key)
	}
	return Outcome{Cached: rec.Response}, nil
}

// Store records the response for key. It fails with
// core.ErrDuplicateIdempotencyKey if another request stored it first.
func (g *Guard) Store(ctx context.Context, store core.IdempotencyStore, key, fingerprint string, response []byte) error {
	now := g.clock.Now()
	return store.InsertIdempotencyRecord(ctx, core.IdempotencyRecord{
		Key:         key,
		RequestHash: fingerprint,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	})
}

// Fingerprint hashes the fields that make two credit requests the same
// request. The key itself and metadata are excluded.
func Fingerprint(referrer, referred core.UserID, amount decimal.Decimal, currency string) string {
	payload, _ := json.Marshal(struct {
		ReferrerID string `json:"referrerId"`
		ReferredID string `json:"referredId"`
		Amount     string `json:"amount"`
		Currency   string `json:"currency"`
	}{
		ReferrerID: string(referrer),
		ReferredID: string(referred),
		Amount:     amount.String(),
		Currency:   currency,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
