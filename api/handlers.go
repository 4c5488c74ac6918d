/*
handlers.go - HTTP API handlers for the referral ledger

PURPOSE:
  Exposes the ledger, reward state machine and rule engine via a REST API.
  Handles HTTP request/response and JSON serialization, and delegates
  everything else to the services.

ENDPOINTS:
  Users:
    POST   /api/users                        Register user
    GET    /api/users                        List users
    GET    /api/users/{id}                   Get user
    PATCH  /api/users/{id}                   Rename user
    GET    /api/users/{id}/balance           Balance (all currencies + split)
    GET    /api/users/{id}/entries           Cursor-paged ledger history

  Ledger:
    POST   /api/ledger/entries               Append entry
    GET    /api/ledger/entries/{id}          Get entry
    POST   /api/ledger/entries/{id}/reverse  Reverse entry

  Rewards (rewards.go), Rules (rules.go), Events (events.go),
  Scenarios (scenarios.go).

ARCHITECTURE:
  Handler holds the services, all built over one core.TxStore. It carries
  no state of its own apart from the last loaded demo scenario.

ERROR HANDLING:
  Service errors are classified with the core helpers:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency, double reversal, illegal transition)
  - 503: Lost a concurrent write race, safe to retry
  - 500: Anything else (details are logged, not returned)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/factory"
	"github.com/warp/referral-ledger/ledger"
	"github.com/warp/referral-ledger/rewards"
	"github.com/warp/referral-ledger/rules"
	"github.com/warp/referral-ledger/users"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures the services built by NewHandler. Zero values fall
// back to the service defaults; a nil Numeric means core.DefaultNumeric().
type Options struct {
	Numeric        *core.Numeric
	Clock          core.Clock
	Logger         *slog.Logger
	Currency       string
	IdempotencyTTL time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       core.TxStore
	Users       *users.Service
	Ledger      *ledger.Ledger
	Rewards     *rewards.Service
	Rules       *rules.Service
	RuleFactory *factory.RuleFactory

	numeric  core.Numeric
	currency string
	log      *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires every service over store.
func NewHandler(store core.TxStore, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Currency == "" {
		opts.Currency = ledger.DefaultCurrency
	}

	l := ledger.New(store, ledger.Options{
		Numeric:  opts.Numeric,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Currency: opts.Currency,
	})

	return &Handler{
		Store:  store,
		Users:  users.New(store, opts.Clock, opts.Logger),
		Ledger: l,
		Rewards: rewards.New(store, l, rewards.Options{
			Numeric:        opts.Numeric,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
			Currency:       opts.Currency,
			IdempotencyTTL: opts.IdempotencyTTL,
		}),
		Rules:       rules.New(store, rules.Options{Clock: opts.Clock, Logger: opts.Logger}),
		RuleFactory: factory.NewRuleFactory(),
		numeric:     opts.Numeric.OrDefault(),
		currency:    opts.Currency,
		log:         opts.Logger,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// CreateUser registers a user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Users.Register(r.Context(), req.Email, req.Name)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*u))
}

// ListUsers returns every user, newest first.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Users.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTOs(list))
}

// GetUser returns one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Users.Get(r.Context(), core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// UpdateUser renames a user. Email is immutable.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Users.Rename(r.Context(), core.UserID(chi.URLParam(r, "id")), req.Name)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// GetBalance returns the user's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := core.UserID(chi.URLParam(r, "id"))

	total, err := h.Ledger.CalculateBalance(ctx, userID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to calculate balance", err)
		return
	}
	split, err := h.Ledger.Balances(ctx, userID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to calculate balance", err)
		return
	}

	byCurrency := make(map[string]string, len(split))
	for cur, amount := range split {
		byCurrency[cur] = h.numeric.Format(amount)
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:     string(userID),
		Balance:    h.numeric.Format(total),
		Currency:   h.currency,
		ByCurrency: byCurrency,
	})
}

// ListEntries pages through the user's ledger, newest first.
//
// Query params: cursor (id of the last entry of the previous page), limit.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	page, err := h.Ledger.ListByUser(r.Context(),
		core.UserID(chi.URLParam(r, "id")),
		core.EntryID(r.URL.Query().Get("cursor")),
		limit,
	)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list entries", err)
		return
	}

	writeJSON(w, http.StatusOK, EntryPageDTO{
		Entries:    h.toEntryDTOs(page.Entries),
		HasMore:    page.HasMore,
		NextCursor: string(page.NextCursor),
		Limit:      page.Limit,
	})
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

// CreateEntry appends a ledger entry. A REVERSAL with reversalOfEntryId
// voids its target atomically.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	e, err := h.Ledger.CreateEntry(r.Context(), ledger.EntryParams{
		UserID:     core.UserID(req.UserID),
		RewardID:   core.RewardID(req.RewardID),
		Type:       core.EntryType(strings.ToUpper(req.Type)),
		Amount:     req.Amount,
		Currency:   req.Currency,
		ReversalOf: core.EntryID(req.ReversalOfEntryID),
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to create entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toEntryDTO(*e))
}

// GetEntry returns one ledger entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.GetEntry(r.Context(), core.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toEntryDTO(*e))
}

// ReverseEntry posts a REVERSAL for the entry and voids it.
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseEntryRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	e, err := h.Ledger.ReverseEntry(r.Context(), core.EntryID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to reverse entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toEntryDTO(*e))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case core.IsClientError(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsConflict(err):
		return http.StatusConflict
	case core.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError classifies err. Internal errors are logged with the
// request id and their details are withheld from the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), message,
			"error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, status, message, nil)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}

// decodeBody decodes a required JSON body. It writes the 400 itself and
// returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// queryInt reads an optional integer query parameter; absent means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+" parameter", err)
		return 0, false
	}
	return n, true
}
