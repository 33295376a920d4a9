// Package authpw provides email/password registration and sign-in issuing
// bearer tokens.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/auth"
	"taigalike/api/internal/store"
	"taigalike/api/internal/util"
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{2,64}$`)

// Service provides email/password authentication.
type Service struct {
	store       UserStore
	tokenSecret []byte
	tokenTTL    time.Duration
	now         func() time.Time
}

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUsersByUsername(ctx context.Context, usernames []string) ([]store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// NewService creates a new auth service.
func NewService(store UserStore, tokenSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		store:       store,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		now:         time.Now,
	}
}

// HashPassword returns the bcrypt hash stored on the user row.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SignUpRequest contains sign-up parameters.
type SignUpRequest struct {
	Username string
	Email    string
	Password string
	FullName string
}

// SignUp creates an active user account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Password == "" || req.Username == "" {
		return store.User{}, apperr.BadRequest("username, email and password are required")
	}
	if !usernamePattern.MatchString(req.Username) {
		return store.User{}, apperr.BadRequest("username may only contain letters, digits, '.', '_' and '-'")
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, apperr.BadRequest("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, apperr.Conflict("email already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}
	taken, err := s.store.GetUsersByUsername(ctx, []string{req.Username})
	if err != nil {
		return store.User{}, fmt.Errorf("lookup username: %w", err)
	}
	if len(taken) > 0 {
		return store.User{}, apperr.Conflict("username already taken")
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     req.Username,
		Email:        req.Email,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, apperr.Conflict("user already exists")
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignInRequest contains sign-in parameters.
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result.
type SignInResponse struct {
	User      store.User
	Token     string
	ExpiresAt time.Time
}

// SignIn authenticates a user and issues a bearer token.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, apperr.BadRequest("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid email or password")
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthenticated("invalid email or password")
	}
	// Inactive accounts fail like a wrong password.
	if !user.IsActive {
		return nil, apperr.Unauthenticated("invalid email or password")
	}

	jti, err := util.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	expiresAt := s.now().Add(s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	return &SignInResponse{User: user, Token: token, ExpiresAt: expiresAt}, nil
}
