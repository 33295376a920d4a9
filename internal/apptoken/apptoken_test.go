package apptoken

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/store"
)

func setup(t *testing.T) (*Service, *store.MemoryStore, *store.User) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	user := store.User{ID: "usr_1", Username: "ann", Email: "ann@example.com", IsActive: true}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateApplication(ctx, store.Application{ID: "app_1", Name: "Importer", Key: "k", NextURL: "https://importer.example/cb"}))
	return NewService(s), s, &user
}

func TestAuthorizeThenValidate(t *testing.T) {
	ctx := context.Background()
	svc, _, user := setup(t)

	grant, err := svc.Authorize(ctx, user, "app_1", "xyz")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.AuthCode)
	assert.Equal(t, "xyz", grant.State)
	assert.Equal(t, "https://importer.example/cb", grant.NextURL)

	token, err := svc.Validate(ctx, "app_1", grant.AuthCode, "xyz")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = svc.Validate(ctx, "app_1", grant.AuthCode, "xyz")
	assert.True(t, apperr.Is(err, apperr.KindBadRequest), "code is one-shot, got %v", err)
}

func TestTokenPersistsAcrossAuthorizations(t *testing.T) {
	ctx := context.Background()
	svc, _, user := setup(t)

	first, err := svc.Authorize(ctx, user, "app_1", "a")
	require.NoError(t, err)
	tokenA, err := svc.Validate(ctx, "app_1", first.AuthCode, "a")
	require.NoError(t, err)

	second, err := svc.Authorize(ctx, user, "app_1", "b")
	require.NoError(t, err)
	assert.NotEqual(t, first.AuthCode, second.AuthCode)
	tokenB, err := svc.Validate(ctx, "app_1", second.AuthCode, "b")
	require.NoError(t, err)
	assert.Equal(t, tokenA, tokenB)
}

func TestValidateRejectsStateMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _, user := setup(t)

	grant, err := svc.Authorize(ctx, user, "app_1", "expected")
	require.NoError(t, err)
	_, err = svc.Validate(ctx, "app_1", grant.AuthCode, "forged")
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	// A failed attempt leaves the code usable.
	_, err = svc.Validate(ctx, "app_1", grant.AuthCode, "expected")
	assert.NoError(t, err)
}

func TestAuthorizeErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, user := setup(t)

	_, err := svc.Authorize(ctx, nil, "app_1", "s")
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
	_, err = svc.Authorize(ctx, user, "app_missing", "s")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = svc.Validate(ctx, "", "", "")
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestConcurrentValidateConsumesOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, user := setup(t)
	grant, err := svc.Authorize(ctx, user, "app_1", "s")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Validate(ctx, "app_1", grant.AuthCode, "s"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}
