package users_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-ledger/core"
	"github.com/warp/referral-ledger/store/sqlite"
	"github.com/warp/referral-ledger/users"
)

func newTestUsers(t *testing.T) *users.Service {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return users.New(store, core.NewFixedClock(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)), nil)
}

func TestRegister_NormalizesEmail(t *testing.T) {
	svc := newTestUsers(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "  Alice@Example.COM ", " Alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "Alice", u.Name)
	assert.True(t, core.ValidID(string(u.ID)))

	byEmail, err := svc.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)
}

func TestRegister_DuplicateEmail_Conflict(t *testing.T) {
	// GIVEN: alice@example.com is registered
	// WHEN: Registering the same address with different case
	// THEN: ErrEmailTaken, surfaced as a conflict

	svc := newTestUsers(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "ALICE@example.com", "Other Alice")
	assert.ErrorIs(t, err, core.ErrEmailTaken)
	assert.True(t, core.IsConflict(err))
}

func TestRegister_InvalidEmail(t *testing.T) {
	svc := newTestUsers(t)
	for _, email := range []string{"", "not-an-email", "Alice <alice@example.com>"} {
		_, err := svc.Register(context.Background(), email, "x")
		assert.ErrorIs(t, err, core.ErrInvalidEmail, email)
	}
}

func TestRename(t *testing.T) {
	svc := newTestUsers(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "bob@example.com", "Bob")
	require.NoError(t, err)

	renamed, err := svc.Rename(ctx, u.ID, "Robert")
	require.NoError(t, err)
	assert.Equal(t, "Robert", renamed.Name)
	assert.Equal(t, u.Email, renamed.Email)

	_, err = svc.Rename(ctx, "missing", "x")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestGetAndList(t *testing.T) {
	svc := newTestUsers(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	first, err := svc.Register(ctx, "a@example.com", "A")
	require.NoError(t, err)
	second, err := svc.Register(ctx, "b@example.com", "B")
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)
}
