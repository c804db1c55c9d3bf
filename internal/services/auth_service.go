package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

type AuthService struct {
	db  *gorm.DB
	cfg *config.Config
	now func() time.Time
}

func NewAuthService(db *gorm.DB, cfg *config.Config) *AuthService {
	return &AuthService{db: db, cfg: cfg, now: time.Now}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) Register(ctx context.Context, req *dto.RegisterRequest) (*dto.AuthResponse, error) {
	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Unscoped().Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	verification, err := randomToken()
	if err != nil {
		return nil, err
	}

	user := models.User{
		ID:                    uuid.New(),
		Email:                 email,
		Password:              string(hash),
		Role:                  models.RoleClient,
		VerificationTokenHash: hashToken(verification),
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	resp, err := s.generateTokenPair(ctx, &user)
	if err != nil {
		return nil, err
	}
	// No mailer is wired; outside production the token is handed back directly.
	if s.cfg.AppEnv != "production" {
		resp.VerificationToken = verification
	}
	return resp, nil
}

func (s *AuthService) Login(ctx context.Context, req *dto.LoginRequest) (*dto.AuthResponse, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(req.Email)).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.ErasedAt != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.generateTokenPair(ctx, &user)
}

// Refresh rotates a refresh token. A token is accepted once; the revoke is a
// conditional update so a replayed token loses the race.
func (s *AuthService) Refresh(ctx context.Context, req *dto.RefreshRequest) (*dto.AuthResponse, error) {
	db := s.db.WithContext(ctx)

	var stored models.RefreshToken
	if err := db.Where("token_hash = ? AND revoked = false", hashToken(req.RefreshToken)).First(&stored).Error; err != nil {
		return nil, ErrInvalidToken
	}

	res := db.Model(&models.RefreshToken{}).
		Where("id = ? AND revoked = false", stored.ID).
		Update("revoked", true)
	if res.Error != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 || s.now().After(stored.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	var user models.User
	if err := db.First(&user, "id = ?", stored.UserID).Error; err != nil {
		return nil, ErrInvalidToken
	}
	if user.ErasedAt != nil || user.TokenVersion != stored.TokenVersion {
		return nil, ErrInvalidToken
	}
	return s.generateTokenPair(ctx, &user)
}

func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, req *dto.LogoutRequest) error {
	return s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND token_hash = ?", userID, hashToken(req.RefreshToken)).
		Update("revoked", true).Error
}

// LogoutAll invalidates every session: refresh tokens are revoked and the
// token version moves so outstanding access tokens stop being accepted.
func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("token_version", gorm.Expr("token_version + 1"))
		if res.Error != nil {
			return fmt.Errorf("bump token version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND revoked = false", userID).
			Update("revoked", true).Error
	})
}

func (s *AuthService) VerifyEmail(ctx context.Context, req *dto.VerifyEmailRequest) (*dto.UserResponse, error) {
	if req.Token == "" {
		return nil, ErrInvalidToken
	}
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Where("verification_token_hash = ? AND email_verified = false", hashToken(req.Token)).First(&user).Error; err != nil {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	err := db.Model(&user).Updates(map[string]any{
		"email_verified":          true,
		"verified_at":             now,
		"verification_token_hash": "",
	}).Error
	if err != nil {
		return nil, fmt.Errorf("verify email: %w", err)
	}
	user.EmailVerified = true
	resp := userResponse(&user)
	return &resp, nil
}

// Authenticate loads the account behind an access token. Tokens minted
// before a logout-all, or for an erased account, are rejected.
func (s *AuthService) Authenticate(ctx context.Context, userID uuid.UUID, tokenVersion int) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.ErasedAt != nil || user.TokenVersion != tokenVersion {
		return nil, ErrInvalidToken
	}
	return &user, nil
}

func userResponse(u *models.User) dto.UserResponse {
	return dto.UserResponse{ID: u.ID, Email: u.Email, Role: u.Role, EmailVerified: u.EmailVerified}
}

func (s *AuthService) generateTokenPair(ctx context.Context, user *models.User) (*dto.AuthResponse, error) {
	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.generateRefreshToken(ctx, user)
	if err != nil {
		return nil, err
	}

	return &dto.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         userResponse(user),
	}, nil
}

func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"role":  user.Role,
		"tv":    user.TokenVersion,
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.JWTAccessExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *AuthService) generateRefreshToken(ctx context.Context, user *models.User) (string, error) {
	rawToken, err := randomToken()
	if err != nil {
		return "", err
	}

	record := models.RefreshToken{
		ID:           uuid.New(),
		UserID:       user.ID,
		TokenHash:    hashToken(rawToken),
		TokenVersion: user.TokenVersion,
		ExpiresAt:    s.now().Add(s.cfg.JWTRefreshExpiry),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return rawToken, nil
}

func randomToken() (string, error) {
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(rawBytes), nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h)
}
