package service

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound      = errors.New("tenant_not_found")
	ErrSessionNotFound     = errors.New("session_not_found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidRefreshToken = errors.New("invalid_refresh_token")
	ErrConflict            = errors.New("conflict")

	// ErrRefreshRaceLost means a concurrent refresh on the same record won
	// the single-use swap first. Not a theft signal; the caller may retry
	// with the token it already holds only if that token is the new head.
	ErrRefreshRaceLost = errors.New("refresh_race_lost")
)

// TokenTheftError reports replay of an already-rotated refresh token. The
// whole session was revoked before this error was returned; the consuming
// layer must force re-authentication rather than retry.
type TokenTheftError struct {
	SessionHandle string
	UserID        string
}

func (e *TokenTheftError) Error() string {
	return fmt.Sprintf("token_theft_detected: session %s user %s", e.SessionHandle, e.UserID)
}
