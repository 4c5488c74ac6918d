package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/rules"
)

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// CreateRule stores a rule document as the next version of its name.
//
// The body is a rule document (see package factory). It is read as YAML when
// the Content-Type says so, as JSON otherwise.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	parse := h.RuleFactory.ParseRuleJSON
	if isYAML(r.Header.Get("Content-Type")) {
		parse = h.RuleFactory.ParseRuleYAML
	}
	def, err := parse(data)
	if err != nil {
		h.writeServiceError(w, r, "Invalid rule", err)
		return
	}

	rule, err := h.Rules.Create(r.Context(), def)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules returns every rule version, or only the active ones with
// ?active=true.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active parameter", err)
			return
		}
		activeOnly = v
	}

	list, err := h.Rules.List(r.Context(), activeOnly)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// LatestRules returns the newest version of every rule name.
func (h *Handler) LatestRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rules.GetLatestPerName(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list rules", err)
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.GetByID(r.Context(), core.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule applies a partial update. Sending only isActive toggles the
// version in place; any other field produces a new version.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := rules.Patch{
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
		IsActive:    req.IsActive,
	}
	if len(req.Conditions) > 0 {
		cond, err := rules.ParseCondition(req.Conditions)
		if err != nil {
			h.writeServiceError(w, r, "Invalid conditions", err)
			return
		}
		patch.Conditions = cond
	}
	if len(req.Actions) > 0 {
		actions, err := rules.ParseActions(req.Actions)
		if err != nil {
			h.writeServiceError(w, r, "Invalid actions", err)
			return
		}
		patch.Actions = actions
	}

	rule, err := h.Rules.Update(r.Context(), core.RuleID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule deactivates a rule version. Nothing is removed.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Deactivate(r.Context(), core.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to deactivate rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// EvaluateRules runs the active rules against an event without executing
// anything. With explain set, the per-rule outcomes are included.
func (h *Handler) EvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
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
	resp := EvaluateResponse{TriggeredActions: triggered}
	if req.Explain {
		if resp.Results, err = h.Rules.Explain(ctx, event); err != nil {
			h.writeServiceError(w, r, "Failed to evaluate rules", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseEvent writes the 400 itself and returns false on failure.
func parseEvent(w http.ResponseWriter, raw []byte) (rules.Value, bool) {
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid event", errMissingEvent)
		return rules.Value{}, false
	}
	event, err := rules.ParseEvent(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return rules.Value{}, false
	}
	return event, true
}

func isYAML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml") || strings.Contains(ct, "yml")
}
