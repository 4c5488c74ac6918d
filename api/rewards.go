package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rewards"
)

// =============================================================================
// REWARD ENDPOINTS
// =============================================================================

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// CreditReward creates a PENDING reward and its CREDIT entry.
//
// The idempotency key comes from the body or the Idempotency-Key header; if
// both are given they must match. A fresh credit answers 201, a replay 200
// with Idempotent-Replayed: true.
func (h *Handler) CreditReward(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decodeBody(w, r, &req) {
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if header := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); header != "" {
		if key != "" && key != header {
			writeError(w, http.StatusBadRequest, "Idempotency key in header and body differ", nil)
			return
		}
		key = header
	}

	res, err := h.Rewards.Credit(r.Context(), rewards.CreditRequest{
		ReferrerID:     core.UserID(req.ReferrerID),
		ReferredID:     core.UserID(req.ReferredID),
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: key,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to credit reward", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}
	writeJSON(w, status, h.toCreditResponse(res))
}

// ListRewards returns rewards newest first.
//
// Query params: status (PENDING|CONFIRMED|PAID|REVERSED), limit.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	status := core.RewardStatus(strings.ToUpper(r.URL.Query().Get("status")))

	list, err := h.Rewards.List(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRewardDTOs(list))
}

// GetReward returns a reward with its ledger entries.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Rewards.Get(r.Context(), core.RewardID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get reward", err)
		return
	}
	writeJSON(w, http.StatusOK, RewardDetailDTO{
		Reward:        h.toRewardDTO(detail.Reward),
		LedgerEntries: h.toEntryDTOs(detail.Entries),
	})
}

// ConfirmReward moves PENDING -> CONFIRMED.
func (h *Handler) ConfirmReward(w http.ResponseWriter, r *http.Request) {
	reward, err := h.Rewards.Confirm(r.Context(), core.RewardID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to confirm reward", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRewardDTO(*reward))
}

// PayReward moves CONFIRMED -> PAID and posts the payout DEBIT.
func (h *Handler) PayReward(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	t, err := h.Rewards.Pay(r.Context(), core.RewardID(chi.URLParam(r, "id")), req.PaymentReference)
	if err != nil {
		h.writeServiceError(w, r, "Failed to pay reward", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTransitionResponse(t))
}

// ReverseReward moves PENDING|CONFIRMED -> REVERSED and reverses the credit.
func (h *Handler) ReverseReward(w http.ResponseWriter, r *http.Request) {
	var req ReverseRewardRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	t, err := h.Rewards.Reverse(r.Context(), core.RewardID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to reverse reward", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTransitionResponse(t))
}
