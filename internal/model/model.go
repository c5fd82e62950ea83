package model

import (
	"time"
)

// User represents a control plane administrator
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash, never exposed in JSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Two-factor authentication
	TOTPSecret    string `gorm:"type:text" json:"-"` // AES-GCM encrypted
	TOTPEnabled   bool   `gorm:"default:false" json:"totp_enabled"`
	RecoveryCodes string `gorm:"type:text" json:"-"` // JSON array of bcrypt hashes
}

// Setting is a single key/value preference.
// Type is "string" for plain values and "json" for encoded structures.
type Setting struct {
	Key       string    `gorm:"primaryKey;size:200" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:20;default:string" json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is a remote control plane reachable over the socket protocol.
type Agent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Endpoint  string    `gorm:"uniqueIndex;not null;size:255" json:"endpoint"` // host[:port] of URL
	URL       string    `gorm:"not null;size:1024" json:"url"`
	Username  string    `gorm:"not null;size:64" json:"username"`
	Password  string    `gorm:"type:text" json:"-"` // AES-GCM encrypted
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting keys with meaning to the server itself.
const (
	SettingJWTSecret = "jwtSecret"
)
