package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/web-casa/stackpilot/internal/model"
	"gorm.io/gorm"
)

// secretKeys are never returned by GetSettings nor written by SetSettings.
var secretKeys = map[string]bool{
	model.SettingJWTSecret: true,
}

// PasswordChecker verifies a user's current password.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, username, password string) error
}

// SettingService stores user-facing preferences as key/value rows.
type SettingService struct {
	db        *gorm.DB
	passwords PasswordChecker
}

// NewSettingService creates a SettingService.
func NewSettingService(db *gorm.DB, passwords PasswordChecker) *SettingService {
	return &SettingService{db: db, passwords: passwords}
}

// GetSettings returns every non-secret setting. Values stored as JSON are
// decoded back into their structure.
func (s *SettingService) GetSettings(ctx context.Context) (map[string]any, error) {
	var rows []model.Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rows))
	for _, row := range rows {
		if secretKeys[row.Key] {
			continue
		}
		if row.Type == "json" {
			var v any
			if err := json.Unmarshal([]byte(row.Value), &v); err == nil {
				out[row.Key] = v
				continue
			}
		}
		out[row.Key] = row.Value
	}
	return out, nil
}

// SetSettings upserts settings on behalf of username after re-checking the
// user's password.
func (s *SettingService) SetSettings(ctx context.Context, username string, settings map[string]any, currentPassword string) error {
	if s.passwords != nil {
		if err := s.passwords.CheckPassword(ctx, username, currentPassword); err != nil {
			return err
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range settings {
			if key == "" || secretKeys[key] {
				continue
			}
			row := model.Setting{Key: key, Type: "string"}
			switch v := value.(type) {
			case string:
				row.Value = v
			default:
				b, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode setting %s: %w", key, err)
				}
				row.Value, row.Type = string(b), "json"
			}
			if err := upsert(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a single raw setting value.
func (s *SettingService) Get(ctx context.Context, key string) (string, bool, error) {
	var row model.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// JWTSecret returns the persisted signing secret, generating it on first use.
func (s *SettingService) JWTSecret(ctx context.Context) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	row := model.Setting{Key: model.SettingJWTSecret, Value: hex.EncodeToString(b), Type: "string"}
	// FirstOrCreate keeps an existing secret.
	if err := s.db.WithContext(ctx).Where("key = ?", row.Key).FirstOrCreate(&row).Error; err != nil {
		return "", fmt.Errorf("load jwt secret: %w", err)
	}
	return row.Value, nil
}

func upsert(tx *gorm.DB, row model.Setting) error {
	return tx.Where("key = ?", row.Key).
		Assign(map[string]any{"value": row.Value, "type": row.Type}).
		FirstOrCreate(&model.Setting{Key: row.Key}).Error
}
