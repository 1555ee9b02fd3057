package domain

import (
	"encoding/json"
	"time"
)

// Session is the server-side session record. Its identity is the handle,
// stable across refreshes; the refresh-token family rotates underneath it.
type Session struct {
	Handle  string
	UserID  string
	Address TenantAddress

	// Data is an opaque blob owned by the caller (identity flows attach
	// whatever they need; the core never inspects it).
	Data json.RawMessage

	// FamilyID identifies the refresh-token family created with the session.
	FamilyID string

	// CurrentTokenID is the id of the most recently issued valid
	// refresh-token record, or nil once the session is revoked.
	CurrentTokenID *string

	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil || s.CurrentTokenID == nil
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RefreshTokenRecord is one link in a session's refresh-token family. The
// family is an append-only log: each refresh inserts a child pointing at its
// parent and invalidates the parent in the same transaction.
type RefreshTokenRecord struct {
	// TokenID is the SHA-256 fingerprint of the opaque token value.
	TokenID string

	FamilyID      string
	ParentTokenID *string
	SessionHandle string
	Valid         bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// SessionTokens bundles everything handed back to the caller on session
// creation or refresh. RefreshToken and AntiCSRF carry the opaque values;
// only fingerprints are ever persisted.
type SessionTokens struct {
	Session      Session
	AccessToken  string
	RefreshToken string
	AntiCSRF     string
}
