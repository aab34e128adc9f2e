package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/common"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func setupAuthService(t *testing.T) *Service {
	t.Helper()

	db, err := common.NewDatabaseWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "docvault.db")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	return NewService(db, &config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTExpiration: time.Hour,
		BCryptCost:    4, // keep tests fast
		AdminUser:     "admin",
		AdminPassword: "hunter22",
	})
}

func TestEnsureAdminAndLogin(t *testing.T) {
	svc := setupAuthService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx))

	token, err := svc.Login(ctx, &types.LoginRequest{Username: "admin", Password: "hunter22"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.True(t, token.ExpiresAt.After(time.Now()))

	userID, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, token.UserID, userID)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc := setupAuthService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureAdmin(ctx))

	_, err := svc.Login(ctx, &types.LoginRequest{Username: "admin", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, &types.LoginRequest{Username: "ghost", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc := setupAuthService(t)
	ctx := context.Background()

	userID := uuid.New()
	key, apiKey, err := svc.CreateAPIKey(ctx, userID, "ci", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	got, err := svc.ValidateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	// Garbage keys never hit the database
	_, err = svc.ValidateAPIKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, svc.RevokeAPIKey(ctx, userID, apiKey.ID))
	_, err = svc.ValidateAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestExpiredAPIKeyRejected(t *testing.T) {
	svc := setupAuthService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	key, _, err := svc.CreateAPIKey(ctx, uuid.New(), "expired", &past)
	require.NoError(t, err)

	_, err = svc.ValidateAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	userID := uuid.New()
	token, _, err := GenerateToken(userID, "secret-a", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, "secret-b")
	assert.Error(t, err)

	got, err := ParseToken(token, "secret-a")
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}
