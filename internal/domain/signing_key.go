package domain

import "time"

// SigningKey is a stored access-token signing key. Material is encrypted at
// rest (AES-256-GCM). Multiple keys may exist concurrently: exactly one is
// current for new issuance, older keys are retained for verification until
// no token referencing them can still be valid.
type SigningKey struct {
	KID       string // key identifier, ULID so creation order sorts
	Algorithm string // ES256 or HS256, immutable after the first key
	Material  []byte // encrypted PKCS8 PEM (ES256) or shared secret (HS256)
	CreatedAt time.Time
	ValidFrom time.Time
}
