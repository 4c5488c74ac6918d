package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rewards"
	"github.com/warp/referral-ledger/rules"
)

// =============================================================================
// EVENT EXECUTION
// =============================================================================

var (
	errMissingEvent   = errors.New("event is required")
	errMissingEventID = errors.New("eventId is required")
)

// ProcessEvent evaluates an event and executes its createReward actions
// through the reward service. Other action types are returned in
// triggeredActions for external collaborators and are not executed.
//
// Each credit is keyed by event id, rule id and the action's position in the
// rule, so posting the same event again replays instead of paying twice.
// A failed action is reported in its result and does not stop the others.
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "Invalid event", errMissingEventID)
		return
	}
	event, ok := parseEvent(w, req.Event)
	if !ok {
		return
	}

	ctx := r.Context()
	triggered, err := h.Rules.Evaluate(ctx, event)
	if err != nil {
		h.writeServiceError(w, r, "Failed to evaluate rules", err)
		return
	}

	referrer, referred := eventParties(event)
	positions := make(map[core.RuleID]int)
	executed := []ExecutedActionDTO{}

	for _, t := range triggered {
		index := positions[t.RuleID]
		positions[t.RuleID]++
		if t.Type != rules.ActionCreateReward {
			continue
		}

		out := ExecutedActionDTO{
			RuleID:         string(t.RuleID),
			RuleName:       t.RuleName,
			RuleVersion:    t.RuleVersion,
			ActionIndex:    index,
			Type:           string(t.Type),
			IdempotencyKey: fmt.Sprintf("event:%s:%s:%d", eventID, t.RuleID, index),
		}

		res, err := h.executeCreateReward(r, t, eventID, out.IdempotencyKey, referrer, referred)
		switch {
		case err == nil:
			out.Result = h.toCreditResponse(res)
		case core.IsClientError(err) || core.IsNotFound(err) || core.IsConflict(err):
			out.Error = err.Error()
		default:
			h.writeServiceError(w, r, "Failed to execute event", err)
			return
		}
		executed = append(executed, out)
	}

	h.log.InfoContext(ctx, "event processed",
		"event_id", eventID, "triggered_actions", len(triggered), "executed", len(executed))
	writeJSON(w, http.StatusOK, EventResponse{
		EventID:          eventID,
		TriggeredActions: triggered,
		Executed:         executed,
	})
}

func (h *Handler) executeCreateReward(r *http.Request, t rules.TriggeredAction, eventID, key string, referrer, referred core.UserID) (*rewards.CreditResult, error) {
	amount, err := t.Amount()
	if err != nil {
		return nil, &core.FieldError{Field: "params.amount", Reason: err.Error(), Err: core.ErrInvalidAction}
	}
	if referrer == "" {
		return nil, &core.FieldError{Field: "event.referrer.id", Reason: "required to create a reward", Err: core.ErrInvalidAction}
	}
	if referred == "" {
		return nil, &core.FieldError{Field: "event.referred.id", Reason: "required to create a reward", Err: core.ErrInvalidAction}
	}

	metadata := map[string]any{
		"source":      "event",
		"eventId":     eventID,
		"ruleId":      string(t.RuleID),
		"ruleName":    t.RuleName,
		"ruleVersion": t.RuleVersion,
	}
	if kind, ok := t.Params["type"].(string); ok {
		metadata["rewardType"] = kind
	}

	return h.Rewards.Credit(r.Context(), rewards.CreditRequest{
		ReferrerID:     referrer,
		ReferredID:     referred,
		Amount:         amount,
		Currency:       t.Currency(h.currency),
		IdempotencyKey: key,
		Metadata:       metadata,
	})
}

// eventParties reads referrer.id and referred.id. A flat userId stands in
// for the referrer when the event has no referrer object.
func eventParties(event rules.Value) (referrer, referred core.UserID) {
	if s, ok := event.Path("referrer.id").StringValue(); ok {
		referrer = core.UserID(s)
	} else if s, ok := event.Get("userId").StringValue(); ok {
		referrer = core.UserID(s)
	}
	if s, ok := event.Path("referred.id").StringValue(); ok {
		referred = core.UserID(s)
	}
	return referrer, referred
}
