package store

import (
	"context"
	"errors"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")

	// ErrUnavailable marks transient storage failures. It is the only
	// storage error callers may treat as retryable; the core itself never
	// retries.
	ErrUnavailable = errors.New("store: transient unavailable")
)

// Store is the persistence contract the core depends on. Concrete drivers
// (memory, sqlite) implement this. It exposes sub-repositories to keep
// concerns tidy and testable, and a Tx escape hatch for the multi-step
// operations that must be atomic.
type Store interface {
	Tenants() Tenants
	Sessions() Sessions
	RefreshTokens() RefreshTokens
	SigningKeys() SigningKeys

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backing store is still reachable.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Tenants stores per-level configuration overrides and user/tenant
// associations. A record's existence at an address is what makes the
// domain, app, or tenant entity exist.
type Tenants interface {
	// GetOverride returns the override stored exactly at the address.
	GetOverride(ctx context.Context, addr domain.TenantAddress) (domain.TenantOverrideRecord, error)

	// UpsertOverride creates or replaces the record at the address.
	UpsertOverride(ctx context.Context, rec domain.TenantOverrideRecord) error

	// DeleteOverride removes the record at the address.
	DeleteOverride(ctx context.Context, addr domain.TenantAddress) error

	// ListDescendants returns all records strictly more specific than the
	// address (apps under a domain, tenants under an app).
	ListDescendants(ctx context.Context, addr domain.TenantAddress) ([]domain.TenantOverrideRecord, error)

	// AddUserToTenant records a user/tenant association.
	AddUserToTenant(ctx context.Context, addr domain.TenantAddress, userID string) error

	// RemoveUserFromTenant drops an association. Removing the last
	// association never touches user identity; that lives elsewhere.
	RemoveUserFromTenant(ctx context.Context, addr domain.TenantAddress, userID string) error

	// ListTenantsForUser returns every tenant the user is associated with.
	ListTenantsForUser(ctx context.Context, userID string) ([]domain.TenantAddress, error)

	// MaxAccessTokenValidity returns the largest access-token validity ever
	// explicitly configured at any level, or zero when none was. It is a
	// high-water mark: deleting or lowering an override does not lower it,
	// because tokens issued under the old validity may still be live. The
	// signing-key retention sweep bounds itself with this.
	MaxAccessTokenValidity(ctx context.Context) (time.Duration, error)
}

type Sessions interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s domain.Session) error

	// GetSession returns a session by handle, revoked or not.
	GetSession(ctx context.Context, handle string) (domain.Session, error)

	// UpdateSessionData replaces the opaque data blob.
	UpdateSessionData(ctx context.Context, handle string, data []byte) error

	// SetCurrentToken moves the family-head pointer to a new record id.
	SetCurrentToken(ctx context.Context, handle string, tokenID string) error

	// RevokeSession clears the head pointer and stamps revoked_at.
	// Idempotent: revoking an already-revoked session is a no-op.
	RevokeSession(ctx context.Context, handle string, at time.Time) error

	// ListSessionHandles returns handles for all non-revoked sessions of a
	// user within a tenant.
	ListSessionHandles(ctx context.Context, addr domain.TenantAddress, userID string) ([]string, error)

	// DeleteExpiredSessions removes sessions past their expiry (housekeeping).
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

type RefreshTokens interface {
	// CreateRefreshToken appends a record to its family.
	CreateRefreshToken(ctx context.Context, rec domain.RefreshTokenRecord) error

	// GetRefreshToken returns the record by token fingerprint.
	GetRefreshToken(ctx context.Context, tokenID string) (domain.RefreshTokenRecord, error)

	// ConsumeRefreshToken atomically flips the record from valid to invalid.
	// Returns false when the record was already invalid: a concurrent
	// refresh won, or the token is being replayed. This compare-and-swap is
	// what makes refresh single-use under full concurrency.
	ConsumeRefreshToken(ctx context.Context, tokenID string) (bool, error)

	// InvalidateFamily marks every record in a family invalid.
	InvalidateFamily(ctx context.Context, familyID string) error

	// DeleteExpiredRefreshTokens removes records past expiry (housekeeping).
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error
}

type SigningKeys interface {
	// InsertSigningKeyIfNewest inserts the key only if the newest stored key
	// is still the one identified by afterKID (empty when the caller saw no
	// keys). It returns the authoritative newest key after the call and
	// whether the insert happened. Rotation races resolve here: exactly one
	// caller inserts, the rest observe the winner.
	InsertSigningKeyIfNewest(ctx context.Context, key domain.SigningKey, afterKID string) (domain.SigningKey, bool, error)

	// GetSigningKey fetches a key by its identifier.
	GetSigningKey(ctx context.Context, kid string) (domain.SigningKey, error)

	// ListSigningKeys returns all keys ordered newest first.
	ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error)

	// DeleteSigningKeysBefore removes keys created before the cutoff,
	// always retaining the newest key. Returns the deleted kids.
	DeleteSigningKeysBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
