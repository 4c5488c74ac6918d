package ledger

import (
	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// BALANCE - Pure fold over entries
// =============================================================================

// Fold adds the effect of entries to acc. Only POSTED entries count: CREDIT
// adds, DEBIT subtracts. REVERSAL rows are skipped because their effect is
// already realized by the VOID status of the entry they reverse.
//
// Fold is associative over any split of the history:
//
//	Fold(Fold(acc, a), b) == Fold(acc, append(a, b...))
func Fold(acc decimal.Decimal, entries []core.Entry) decimal.Decimal {
	for _, e := range entries {
		acc = acc.Add(effect(e))
	}
	return acc
}

// Balance folds the full history from zero.
func Balance(entries []core.Entry) decimal.Decimal {
	return Fold(decimal.Zero, entries)
}

// FoldByCurrency is Fold keyed by currency. acc may be nil.
func FoldByCurrency(acc map[string]decimal.Decimal, entries []core.Entry) map[string]decimal.Decimal {
	if acc == nil {
		acc = make(map[string]decimal.Decimal)
	}
	for _, e := range entries {
		if !e.IsPosted() || e.Type == core.EntryReversal {
			continue
		}
		acc[e.Currency] = acc[e.Currency].Add(effect(e))
	}
	return acc
}

func effect(e core.Entry) decimal.Decimal {
	if !e.IsPosted() {
		return decimal.Zero
	}
	switch e.Type {
	case core.EntryCredit:
		return e.Amount
	case core.EntryDebit:
		return e.Amount.Neg()
	default:
		return decimal.Zero
	}
}
