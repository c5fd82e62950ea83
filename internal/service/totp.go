package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/pquerna/otp/totp"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrTwoFactorNotPrepared = errors.New("two-factor authentication has not been prepared")
	ErrTwoFactorEnabled     = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorDisabled    = errors.New("two-factor authentication is not enabled")
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
)

const recoveryCodeCount = 8

// recoveryCode is one stored recovery code.
type recoveryCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used"`
}

// TOTPService manages time-based one-time passwords as a second login factor.
// Secrets are stored encrypted.
type TOTPService struct {
	db     *gorm.DB
	box    *auth.SecretBox
	issuer string
}

// NewTOTPService creates a TOTPService.
func NewTOTPService(db *gorm.DB, box *auth.SecretBox) *TOTPService {
	return &TOTPService{db: db, box: box, issuer: "Stackpilot"}
}

// userWithPassword loads username and checks its current password.
func (s *TOTPService) userWithPassword(ctx context.Context, username, password string) (model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, auth.ErrInvalidCredentials
	}
	if err != nil {
		return user, err
	}
	if !auth.CheckPassword(user.Password, password) {
		return user, auth.ErrInvalidCredentials
	}
	return user, nil
}

// Prepare generates a new secret for username and returns its otpauth URI.
// Two-factor stays disabled until Enable confirms a code.
func (s *TOTPService) Prepare(ctx context.Context, username, password string) (string, error) {
	user, err := s.userWithPassword(ctx, username, password)
	if err != nil {
		return "", err
	}
	if user.TOTPEnabled {
		return "", ErrTwoFactorEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: user.Username})
	if err != nil {
		return "", fmt.Errorf("generate totp key: %w", err)
	}
	sealed, err := s.box.Seal(key.Secret())
	if err != nil {
		return "", fmt.Errorf("encrypt totp secret: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&user).Update("totp_secret", sealed).Error; err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Enable verifies code against the prepared secret, turns two-factor on
// and returns freshly generated recovery codes.
func (s *TOTPService) Enable(ctx context.Context, username, code, password string) ([]string, error) {
	user, err := s.userWithPassword(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return nil, ErrTwoFactorEnabled
	}
	if user.TOTPSecret == "" {
		return nil, ErrTwoFactorNotPrepared
	}
	ok, err := s.validCode(user, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTwoFactorCode
	}

	plain, stored, err := newRecoveryCodes()
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"totp_enabled":   true,
		"recovery_codes": stored,
	}).Error
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// Disable turns two-factor off after checking the password.
func (s *TOTPService) Disable(ctx context.Context, username, password string) error {
	user, err := s.userWithPassword(ctx, username, password)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTwoFactorDisabled
	}
	return s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"totp_enabled":   false,
		"totp_secret":    "",
		"recovery_codes": "",
	}).Error
}

// Status reports whether username has two-factor enabled.
func (s *TOTPService) Status(ctx context.Context, username string) (bool, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return false, err
	}
	return user.TOTPEnabled, nil
}

// Verify checks a login code, accepting a current TOTP code or an unused
// recovery code. A matched recovery code is consumed.
func (s *TOTPService) Verify(ctx context.Context, user model.User, code string) (bool, error) {
	if !user.TOTPEnabled {
		return false, ErrTwoFactorDisabled
	}
	ok, err := s.validCode(user, code)
	if err != nil || ok {
		return ok, err
	}

	if user.RecoveryCodes == "" {
		return false, nil
	}
	var codes []recoveryCode
	if err := json.Unmarshal([]byte(user.RecoveryCodes), &codes); err != nil {
		return false, fmt.Errorf("parse recovery codes: %w", err)
	}
	for i, rc := range codes {
		if rc.Used || bcrypt.CompareHashAndPassword([]byte(rc.Hash), []byte(code)) != nil {
			continue
		}
		codes[i].Used = true
		updated, err := json.Marshal(codes)
		if err != nil {
			return false, err
		}
		if err := s.db.WithContext(ctx).Model(&user).Update("recovery_codes", string(updated)).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *TOTPService) validCode(user model.User, code string) (bool, error) {
	secret, err := s.box.Open(user.TOTPSecret)
	if err != nil {
		return false, fmt.Errorf("decrypt totp secret: %w", err)
	}
	return totp.Validate(code, secret), nil
}

// newRecoveryCodes returns plain codes and their stored JSON form.
func newRecoveryCodes() ([]string, string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	plain := make([]string, recoveryCodeCount)
	stored := make([]recoveryCode, recoveryCodeCount)
	for i := range plain {
		b := make([]byte, 8)
		for j := range b {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
			if err != nil {
				return nil, "", err
			}
			b[j] = charset[n.Int64()]
		}
		hash, err := bcrypt.GenerateFromPassword(b, bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hash recovery code: %w", err)
		}
		plain[i] = string(b)
		stored[i] = recoveryCode{Hash: string(hash)}
	}
	out, err := json.Marshal(stored)
	if err != nil {
		return nil, "", err
	}
	return plain, string(out), nil
}
