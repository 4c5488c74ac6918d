// Package users registers referrers and referred users. A user's email is
// unique and immutable; only the display name can change.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/warp/referral-ledger/core"
)

type Service struct {
	store core.UserStore
	clock core.Clock
	log   *slog.Logger
}

func New(store core.UserStore, clock core.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: clock, log: logger}
}

// Register creates a user. The email is lower-cased before the uniqueness
// check, so Alice@x.com and alice@x.com are the same user.
func (s *Service) Register(ctx context.Context, email, name string) (*core.User, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	u := core.User{
		ID:        core.UserID(core.NewID()),
		Email:     normalized,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)
	return &u, nil
}

func (s *Service) Get(ctx context.Context, id core.UserID) (*core.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrUserNotFound, id)
	}
	return u, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByEmail(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrUserNotFound, normalized)
	}
	return u, nil
}

// Rename changes the display name.
func (s *Service) Rename(ctx context.Context, id core.UserID, name string) (*core.User, error) {
	if err := s.store.UpdateUserName(ctx, id, strings.TrimSpace(name)); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// List returns users, newest first.
func (s *Service) List(ctx context.Context) ([]core.User, error) {
	return s.store.ListUsers(ctx)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &core.FieldError{Field: "email", Reason: fmt.Sprintf("%q is not an email address", email), Err: core.ErrInvalidEmail}
	}
	return email, nil
}
