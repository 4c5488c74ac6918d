/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Users, balances and ledger entries
- Reward credit (idempotency via body and header) and lifecycle
- Error status mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	store   *sqlite.Store
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(store, Options{
		Clock:          core.NewFixedClock(t0),
		Logger:         logger,
		Currency:       "INR",
		IdempotencyTTL: time.Hour,
	})
	return &testServer{
		t:       t,
		handler: h,
		store:   store,
		router:  NewRouter(h, RouterOptions{Logger: logger}),
	}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createUser(email, name string) UserDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/users", CreateUserRequest{Email: email, Name: name})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[UserDTO](s.t, rec)
}

func (s *testServer) balance(userID string) BalanceDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/users/"+userID+"/balance", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[BalanceDTO](s.t, rec)
}

func (s *testServer) credit(referrer, referred, amount, key string) CreditResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/rewards/credit", map[string]any{
		"referrerId": referrer, "referredId": referred, "amount": amount, "idempotencyKey": key,
	})
	require.Contains(s.t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[CreditResponse](s.t, rec)
}

// =============================================================================
// HEALTH & USERS
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestUsers_CRUD(t *testing.T) {
	// GIVEN: A registered user
	s := newTestServer(t)
	alice := s.createUser("Alice@Example.com", "Alice")

	// THEN: Email is normalized and the user can be fetched
	assert.Equal(t, "alice@example.com", alice.Email)
	rec := s.do(http.MethodGet, "/api/users/"+alice.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Renaming
	rec = s.do(http.MethodPatch, "/api/users/"+alice.ID, UpdateUserRequest{Name: "Alice J."})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alice J.", decode[UserDTO](t, rec).Name)

	// WHEN: Registering the same email again
	rec = s.do(http.MethodPost, "/api/users", CreateUserRequest{Email: "alice@example.com", Name: "Other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Registering a malformed email
	rec = s.do(http.MethodPost, "/api/users", CreateUserRequest{Email: "not-an-email", Name: "X"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// THEN: Listing returns one user; unknown ids are 404
	rec = s.do(http.MethodGet, "/api/users", nil)
	assert.Len(t, decode[[]UserDTO](t, rec), 1)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/users/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/users/missing/balance", nil).Code)
}

func TestInvalidBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/users", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Invalid request body", body.Error)
	assert.NotEmpty(t, body.Details)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_CreateListAndReverse(t *testing.T) {
	// GIVEN: A user with a credit of 100 and a debit of 30
	s := newTestServer(t)
	u := s.createUser("u@example.com", "U")

	rec := s.do(http.MethodPost, "/api/ledger/entries", map[string]any{
		"userId": u.ID, "type": "credit", "amount": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	credit := decode[EntryDTO](t, rec)
	assert.Equal(t, "CREDIT", credit.Type)
	assert.Equal(t, "100.00", credit.Amount)
	assert.Equal(t, "INR", credit.Currency)
	assert.Equal(t, "POSTED", credit.Status)

	rec = s.do(http.MethodPost, "/api/ledger/entries", map[string]any{
		"userId": u.ID, "type": "DEBIT", "amount": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "70.00", s.balance(u.ID).Balance)

	// WHEN: Reversing the credit
	rec = s.do(http.MethodPost, "/api/ledger/entries/"+credit.ID+"/reverse", ReverseEntryRequest{Reason: "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reversal := decode[EntryDTO](t, rec)

	// THEN: The reversal points at the credit, the credit is VOID, balance drops
	assert.Equal(t, "REVERSAL", reversal.Type)
	assert.Equal(t, credit.ID, reversal.ReversalOfEntryID)
	rec = s.do(http.MethodGet, "/api/ledger/entries/"+credit.ID, nil)
	assert.Equal(t, "VOID", decode[EntryDTO](t, rec).Status)
	assert.Equal(t, "-30.00", s.balance(u.ID).Balance)

	// AND: A second reversal is a conflict
	rec = s.do(http.MethodPost, "/api/ledger/entries/"+credit.ID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: Non-positive amounts are rejected
	rec = s.do(http.MethodPost, "/api/ledger/entries", map[string]any{
		"userId": u.ID, "type": "CREDIT", "amount": "0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedger_EntryPaging(t *testing.T) {
	// GIVEN: Five credits
	s := newTestServer(t)
	u := s.createUser("u@example.com", "U")
	for i := 0; i < 5; i++ {
		rec := s.do(http.MethodPost, "/api/ledger/entries", map[string]any{
			"userId": u.ID, "type": "CREDIT", "amount": "1",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// WHEN: Paging two at a time
	var seen []string
	cursor := ""
	for {
		rec := s.do(http.MethodGet, "/api/users/"+u.ID+"/entries?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[EntryPageDTO](t, rec)
		assert.LessOrEqual(t, len(page.Entries), 2)
		for _, e := range page.Entries {
			seen = append(seen, e.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	// THEN: Every entry is seen exactly once
	assert.Len(t, seen, 5)
	unique := map[string]bool{}
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, 5)

	// AND: A bad limit is a 400
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/users/"+u.ID+"/entries?limit=abc", nil).Code)
}

// =============================================================================
// REWARDS
// =============================================================================

func TestCreditReward_FreshThenReplay(t *testing.T) {
	// GIVEN: Two users
	s := newTestServer(t)
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	body := map[string]any{"referrerId": a.ID, "referredId": b.ID, "amount": "500"}

	// WHEN: Crediting with the key in the header
	rec := s.do(http.MethodPost, "/api/rewards/credit", body, headerIdempotencyKey, "K1")

	// THEN: 201 with a PENDING reward and a CREDIT entry
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[CreditResponse](t, rec)
	assert.Equal(t, "PENDING", first.Reward.Status)
	assert.Equal(t, "500.00", first.Reward.Amount)
	assert.Equal(t, "K1", first.Reward.IdempotencyKey)
	assert.Equal(t, "CREDIT", first.LedgerEntry.Type)
	assert.False(t, first.Replayed)
	assert.Empty(t, rec.Header().Get(headerReplayed))

	// WHEN: Repeating with the key in the body
	body["idempotencyKey"] = "K1"
	rec = s.do(http.MethodPost, "/api/rewards/credit", body)

	// THEN: 200 replay of the same reward, balance unchanged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get(headerReplayed))
	again := decode[CreditResponse](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Reward.ID, again.Reward.ID)
	assert.Equal(t, first.LedgerEntry.ID, again.LedgerEntry.ID)
	assert.Equal(t, "500.00", s.balance(a.ID).Balance)
}

func TestCreditReward_Errors(t *testing.T) {
	s := newTestServer(t)
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	s.credit(a.ID, b.ID, "500", "K1")

	tests := []struct {
		name    string
		body    map[string]any
		headers []string
		want    int
	}{
		{
			name: "missing key",
			body: map[string]any{"referrerId": a.ID, "referredId": b.ID, "amount": "10"},
			want: http.StatusBadRequest,
		},
		{
			name:    "header and body differ",
			body:    map[string]any{"referrerId": a.ID, "referredId": b.ID, "amount": "10", "idempotencyKey": "X"},
			headers: []string{headerIdempotencyKey, "Y"},
			want:    http.StatusBadRequest,
		},
		{
			name: "self referral",
			body: map[string]any{"referrerId": a.ID, "referredId": a.ID, "amount": "10", "idempotencyKey": "K2"},
			want: http.StatusBadRequest,
		},
		{
			name: "zero amount",
			body: map[string]any{"referrerId": a.ID, "referredId": b.ID, "amount": "0.001", "idempotencyKey": "K3"},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown user",
			body: map[string]any{"referrerId": a.ID, "referredId": "ghost", "amount": "10", "idempotencyKey": "K4"},
			want: http.StatusNotFound,
		},
		{
			name: "key reused with different amount",
			body: map[string]any{"referrerId": a.ID, "referredId": b.ID, "amount": "600", "idempotencyKey": "K1"},
			want: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/rewards/credit", tt.body, tt.headers...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, "500.00", s.balance(a.ID).Balance)
}

func TestRewardLifecycle_ConfirmPay(t *testing.T) {
	// GIVEN: A credited reward
	s := newTestServer(t)
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	res := s.credit(a.ID, b.ID, "500", "K1")
	id := res.Reward.ID

	// WHEN: Paying before confirming
	rec := s.do(http.MethodPost, "/api/rewards/"+id+"/pay", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "PENDING cannot be paid")

	// WHEN: Confirming and paying
	rec = s.do(http.MethodPost, "/api/rewards/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CONFIRMED", decode[RewardDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/rewards/"+id+"/pay", PayRequest{PaymentReference: "bank-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[TransitionResponse](t, rec)

	// THEN: PAID with a payout DEBIT; the referrer balance is zero again
	assert.Equal(t, "PAID", paid.Reward.Status)
	assert.Equal(t, "DEBIT", paid.LedgerEntry.Type)
	assert.Equal(t, "500.00", paid.LedgerEntry.Amount)
	assert.Equal(t, "0.00", s.balance(a.ID).Balance)

	// AND: PAID is terminal
	rec = s.do(http.MethodPost, "/api/rewards/"+id+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: Detail carries both entries
	rec = s.do(http.MethodGet, "/api/rewards/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[RewardDetailDTO](t, rec)
	assert.Equal(t, "PAID", detail.Reward.Status)
	assert.Len(t, detail.LedgerEntries, 2)
}

func TestRewardLifecycle_Reverse(t *testing.T) {
	// GIVEN: A confirmed reward
	s := newTestServer(t)
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	id := s.credit(a.ID, b.ID, "500", "K1").Reward.ID
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/rewards/"+id+"/confirm", nil).Code)

	// WHEN: Reversing
	rec := s.do(http.MethodPost, "/api/rewards/"+id+"/reverse", ReverseRewardRequest{Reason: "fraud"})

	// THEN: REVERSED, a REVERSAL entry, and the credit no longer counts
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[TransitionResponse](t, rec)
	assert.Equal(t, "REVERSED", out.Reward.Status)
	assert.Equal(t, "REVERSAL", out.LedgerEntry.Type)
	assert.Equal(t, "0.00", s.balance(a.ID).Balance)

	// AND: Listing by status finds it
	rec = s.do(http.MethodGet, "/api/rewards?status=reversed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]RewardDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	rec = s.do(http.MethodGet, "/api/rewards?status=PENDING", nil)
	assert.Empty(t, decode[[]RewardDTO](t, rec))
}

func TestLedger_ReverseRewardEntryRejected(t *testing.T) {
	// GIVEN: A credited reward
	s := newTestServer(t)
	a := s.createUser("a@example.com", "A")
	b := s.createUser("b@example.com", "B")
	res := s.credit(a.ID, b.ID, "500", "K1")

	// WHEN: Reversing its CREDIT through the ledger route
	rec := s.do(http.MethodPost, "/api/ledger/entries/"+res.LedgerEntry.ID+"/reverse", ReverseEntryRequest{Reason: "fraud"})

	// THEN: 400, and the reward can still be reversed the proper way
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "reverse the reward instead")
	assert.Equal(t, "500.00", s.balance(a.ID).Balance)

	rec = s.do(http.MethodPost, "/api/rewards/"+res.Reward.ID+"/reverse", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0.00", s.balance(a.ID).Balance)
}

func TestRewards_NotFoundAndBadStatus(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/rewards/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/rewards/missing/confirm", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/rewards?status=LOST", nil).Code)
}
