// Package auth provides user login and API key authentication for the
// document endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/common"
	pkgauth "github.com/lgulliver/docvault/pkg/auth"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrInvalidCredentials is returned for bad logins and bad keys alike so
// callers cannot probe which part was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles authentication operations
type Service struct {
	db     *common.Database
	config *config.AuthConfig
}

// NewService creates a new authentication service
func NewService(db *common.Database, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		config: config,
	}
}

// EnsureAdmin creates or updates the admin account from configuration.
// Without a configured admin password no account is created.
func (s *Service) EnsureAdmin(ctx context.Context) error {
	if s.config.AdminPassword == "" {
		log.Warn().Msg("no admin password configured, skipping admin account")
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(s.config.AdminPassword), s.config.BCryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	var user types.User
	err = s.db.WithContext(ctx).Where("username = ?", s.config.AdminUser).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = types.User{
			Username: s.config.AdminUser,
			Password: string(hashed),
			IsActive: true,
			IsAdmin:  true,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		log.Info().Str("username", user.Username).Msg("admin account created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up admin user: %w", err)
	}

	return s.db.WithContext(ctx).Model(&user).Update("password", string(hashed)).Error
}

// Login verifies a username/password pair and issues a JWT.
func (s *Service) Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("username = ? AND is_active = ?", req.Username, true).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := GenerateToken(user.ID, s.config.JWTSecret, s.config.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &types.AuthToken{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
	}, nil
}

// CreateAPIKey issues a new API key for a user. The plaintext key is only
// returned once; the database keeps the hash.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (string, *types.APIKey, error) {
	key, err := pkgauth.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := &types.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   pkgauth.HashAPIKey(key),
		ExpiresAt: expiresAt,
		IsActive:  true,
	}

	if err := s.db.WithContext(ctx).Create(apiKey).Error; err != nil {
		return "", nil, fmt.Errorf("failed to save API key: %w", err)
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("key", pkgauth.RedactAPIKey(key)).
		Msg("API key created")

	return key, apiKey, nil
}

// ValidateAPIKey resolves an API key to its owning user id.
func (s *Service) ValidateAPIKey(ctx context.Context, key string) (uuid.UUID, error) {
	if !pkgauth.ValidateAPIKeyFormat(key) {
		return uuid.Nil, ErrInvalidCredentials
	}

	var apiKey types.APIKey
	if err := s.db.WithContext(ctx).Where("key_hash = ? AND is_active = ?", pkgauth.HashAPIKey(key), true).First(&apiKey).Error; err != nil {
		return uuid.Nil, ErrInvalidCredentials
	}

	if apiKey.ExpiresAt != nil && apiKey.ExpiresAt.Before(time.Now()) {
		return uuid.Nil, ErrInvalidCredentials
	}

	now := time.Now()
	s.db.WithContext(ctx).Model(&apiKey).Update("last_used_at", &now)

	return apiKey.UserID, nil
}

// RevokeAPIKey deactivates an API key belonging to the given user.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&types.APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke API key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("API key not found")
	}
	return nil
}

// ValidateToken parses a JWT and returns the user id it carries.
func (s *Service) ValidateToken(tokenString string) (uuid.UUID, error) {
	return ParseToken(tokenString, s.config.JWTSecret)
}
