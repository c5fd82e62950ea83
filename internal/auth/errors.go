package auth

import "errors"

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrExpiredToken         = errors.New("token expired")
	ErrMalformedToken       = errors.New("malformed token")
	ErrSetupAlreadyComplete = errors.New("setup already complete")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrTooManyAttempts      = errors.New("too many login attempts")
	ErrTwoFactorRequired    = errors.New("two-factor code required")
)
