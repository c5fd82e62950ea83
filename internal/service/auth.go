package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/model"
	"gorm.io/gorm"
)

var ErrInvalidPassword = errors.New("username and password must not be empty")

// Session is a verified login bound to a channel.
type Session struct {
	Identity  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// Expired reports whether the session is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// AuthService issues and verifies sessions for control plane users.
type AuthService struct {
	db      *gorm.DB
	secret  string
	ttl     time.Duration
	limiter *auth.RateLimiter
	totp    *TOTPService
	logger  *slog.Logger
	now     func() time.Time

	setupMu   sync.Mutex
	dummyHash string
}

// NewAuthService creates an AuthService signing tokens with secret.
func NewAuthService(db *gorm.DB, secret string, ttl time.Duration, limiter *auth.RateLimiter, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	// Compared against on unknown usernames so both failure paths cost a bcrypt round.
	dummy, _ := auth.HashPassword("stackpilot-no-such-user")
	return &AuthService{
		db:        db,
		secret:    secret,
		ttl:       ttl,
		limiter:   limiter,
		logger:    logger.With("module", "auth"),
		now:       time.Now,
		dummyHash: dummy,
	}
}

// SetTwoFactor enables the second login factor for users who turned it on.
func (s *AuthService) SetTwoFactor(t *TOTPService) {
	s.totp = t
}

// NeedSetup reports whether no user exists yet.
func (s *AuthService) NeedSetup(ctx context.Context) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

// Setup creates the first user. It succeeds at most once, even when called
// concurrently.
func (s *AuthService) Setup(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidPassword
	}
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return auth.ErrSetupAlreadyComplete
		}
		return tx.Create(&model.User{Username: username, Password: hashed}).Error
	})
	if err != nil {
		return err
	}
	s.logger.Info("initial user created", "username", username)
	return nil
}

// Login checks credentials and issues a fresh session. remote keys the rate
// limiter. Unknown users and wrong passwords fail identically. Users with
// two-factor enabled must also pass code; an empty code yields
// auth.ErrTwoFactorRequired.
func (s *AuthService) Login(ctx context.Context, username, password, code, remote string) (Session, error) {
	if ok, wait := s.limiter.Check(remote); !ok {
		s.logger.Warn("login rate limited", "remote", remote, "retry_after", wait.Round(time.Second))
		return Session{}, auth.ErrTooManyAttempts
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		auth.CheckPassword(s.dummyHash, password)
		s.limiter.RecordFail(remote)
		return Session{}, auth.ErrInvalidCredentials
	case err != nil:
		return Session{}, err
	}
	if !auth.CheckPassword(user.Password, password) {
		s.limiter.RecordFail(remote)
		s.logger.Info("login failed", "remote", remote)
		return Session{}, auth.ErrInvalidCredentials
	}
	if s.totp != nil && user.TOTPEnabled {
		if code == "" {
			return Session{}, auth.ErrTwoFactorRequired
		}
		ok, err := s.totp.Verify(ctx, user, code)
		if err != nil {
			return Session{}, err
		}
		if !ok {
			s.limiter.RecordFail(remote)
			s.logger.Info("login failed, bad two-factor code", "remote", remote)
			return Session{}, auth.ErrInvalidCredentials
		}
	}

	s.limiter.RecordSuccess(remote)
	return s.issue(user)
}

// VerifyToken validates a token and rebuilds its session. Tokens issued
// before the user's last password change fail with ErrExpiredToken.
func (s *AuthService) VerifyToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(token, s.secret)
	if err != nil {
		return Session{}, err
	}

	var user model.User
	err = s.db.WithContext(ctx).Where("username = ?", claims.Username).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Session{}, auth.ErrExpiredToken
	case err != nil:
		return Session{}, err
	}
	if claims.Fingerprint != auth.Fingerprint(user.Password) {
		return Session{}, auth.ErrExpiredToken
	}

	sess := Session{Identity: user.Username, Token: token}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// ChangePassword replaces a user's password after checking the current one
// and returns a new session; every earlier token of the user stops verifying.
func (s *AuthService) ChangePassword(ctx context.Context, username, current, next string) (Session, error) {
	if next == "" {
		return Session{}, ErrInvalidPassword
	}
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, auth.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !auth.CheckPassword(user.Password, current) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, &user, next); err != nil {
		return Session{}, err
	}
	s.logger.Info("password changed", "username", username)
	return s.issue(user)
}

// ResetPassword sets a user's password without knowing the old one.
func (s *AuthService) ResetPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return ErrInvalidPassword
	}
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("user %q does not exist", username)
		}
		return err
	}
	return s.setPassword(ctx, &user, password)
}

// CheckPassword reports whether password is username's current password.
func (s *AuthService) CheckPassword(ctx context.Context, username, password string) error {
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.ErrInvalidCredentials
		}
		return err
	}
	if !auth.CheckPassword(user.Password, password) {
		return auth.ErrInvalidCredentials
	}
	return nil
}

func (s *AuthService) setPassword(ctx context.Context, user *model.User, password string) error {
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.Password = hashed
	return s.db.WithContext(ctx).Model(user).Update("password", hashed).Error
}

func (s *AuthService) issue(user model.User) (Session, error) {
	now := s.now()
	token, err := auth.GenerateToken(user.Username, auth.Fingerprint(user.Password), s.secret, now, s.ttl)
	if err != nil {
		return Session{}, fmt.Errorf("generate token: %w", err)
	}
	return Session{
		Identity:  user.Username,
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: now.Add(s.ttl).Truncate(time.Second),
		Token:     token,
	}, nil
}
