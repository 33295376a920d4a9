// Package apptoken implements the application authorization handshake: a
// user authorizes an external application and receives a one-shot auth code
// the application trades for the persistent token.
package apptoken

import (
	"context"
	"errors"
	"fmt"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
	"taigalike/api/internal/util"
)

// Store is the transactional store the handshake runs against.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Queries) error) error
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

// Authorization is what the user's client forwards to the application.
type Authorization struct {
	AuthCode string `json:"auth_code"`
	State    string `json:"state"`
	NextURL  string `json:"next_url"`
}

// Authorize issues a fresh auth code for (user, application). The persistent
// token is created on first authorization and kept afterwards.
func (s *Service) Authorize(ctx context.Context, user *store.User, applicationID, state string) (Authorization, error) {
	if user == nil {
		return Authorization{}, apperr.Unauthenticated("authentication required")
	}
	if applicationID == "" {
		return Authorization{}, apperr.BadRequest("application is required")
	}
	code, err := util.RandomHex(20)
	if err != nil {
		return Authorization{}, err
	}

	var out Authorization
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		app, err := q.GetApplication(ctx, applicationID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("application not found")
		}
		if err != nil {
			return fmt.Errorf("get application: %w", err)
		}

		token, err := q.GetApplicationToken(ctx, user.ID, app.ID)
		if err != nil {
			return err
		}
		if token == nil {
			raw, err := util.RandomHex(32)
			if err != nil {
				return err
			}
			token = &store.ApplicationToken{
				ID:            util.NewID("apt"),
				UserID:        user.ID,
				ApplicationID: app.ID,
				Token:         raw,
			}
		}
		token.AuthCode = &code
		token.State = state
		if err := q.SaveApplicationToken(ctx, *token); err != nil {
			return fmt.Errorf("save application token: %w", err)
		}
		out = Authorization{AuthCode: code, State: state, NextURL: app.NextURL}
		return nil
	})
	return out, err
}

// Validate consumes an auth code and returns the persistent token. The row
// stays locked between the lookup and clearing the code, so a code is
// honoured at most once.
func (s *Service) Validate(ctx context.Context, applicationID, authCode, state string) (string, error) {
	if applicationID == "" || authCode == "" {
		return "", apperr.BadRequest("application and auth_code are required")
	}
	var token string
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		row, err := q.LockApplicationTokenByCode(ctx, applicationID, authCode)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.BadRequest("invalid auth code")
		}
		if err != nil {
			return fmt.Errorf("lock application token: %w", err)
		}
		if row.State != state {
			return apperr.BadRequest("state does not match")
		}
		row.AuthCode = nil
		if err := q.SaveApplicationToken(ctx, row); err != nil {
			return fmt.Errorf("consume auth code: %w", err)
		}
		token = row.Token
		return nil
	})
	return token, err
}
