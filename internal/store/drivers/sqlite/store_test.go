package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "tessera.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func TestOverrideRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	addr := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}
	validity := 90 * time.Second
	secure := true
	rec := domain.TenantOverrideRecord{
		Address: addr,
		Override: domain.TenantOverride{
			AccessTokenValidity: &validity,
			CookieSecure:        &secure,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.Tenants().UpsertOverride(ctx, rec))

	got, err := s.Tenants().GetOverride(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, addr, got.Address)
	require.NotNil(t, got.Override.AccessTokenValidity)
	require.Equal(t, validity, *got.Override.AccessTokenValidity)
	require.NotNil(t, got.Override.CookieSecure)
	require.True(t, *got.Override.CookieSecure)
	require.Nil(t, got.Override.RefreshTokenValidity)

	// Upsert replaces in place.
	longer := 5 * time.Minute
	rec.Override.AccessTokenValidity = &longer
	require.NoError(t, s.Tenants().UpsertOverride(ctx, rec))

	got, err = s.Tenants().GetOverride(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, longer, *got.Override.AccessTokenValidity)

	max, err := s.Tenants().MaxAccessTokenValidity(ctx)
	require.NoError(t, err)
	require.Equal(t, longer, max)

	require.NoError(t, s.Tenants().DeleteOverride(ctx, addr))
	_, err = s.Tenants().GetOverride(ctx, addr)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Tenants().DeleteOverride(ctx, addr), store.ErrNotFound)

	// The retention watermark never drops, not even when the override that
	// raised it is gone: tokens issued under the old validity may still be
	// live.
	max, err = s.Tenants().MaxAccessTokenValidity(ctx)
	require.NoError(t, err)
	require.Equal(t, longer, max)

	shorter := 30 * time.Second
	rec.Override.AccessTokenValidity = &shorter
	require.NoError(t, s.Tenants().UpsertOverride(ctx, rec))
	max, err = s.Tenants().MaxAccessTokenValidity(ctx)
	require.NoError(t, err)
	require.Equal(t, longer, max)
}

func TestListDescendantsByKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	domainAddr := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: domain.DefaultAppID, TenantID: domain.DefaultTenantID}
	appAddr := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: domain.DefaultTenantID}
	tenantAddr := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}
	otherDomain := domain.TenantAddress{ConnectionURIDomain: "d2", AppID: domain.DefaultAppID, TenantID: domain.DefaultTenantID}

	for _, addr := range []domain.TenantAddress{domainAddr, appAddr, tenantAddr, otherDomain} {
		require.NoError(t, s.Tenants().UpsertOverride(ctx, domain.TenantOverrideRecord{
			Address: addr, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	}

	desc, err := s.Tenants().ListDescendants(ctx, domainAddr)
	require.NoError(t, err)
	require.Len(t, desc, 2)

	desc, err = s.Tenants().ListDescendants(ctx, appAddr)
	require.NoError(t, err)
	require.Len(t, desc, 1)
	require.Equal(t, tenantAddr, desc[0].Address)

	desc, err = s.Tenants().ListDescendants(ctx, tenantAddr)
	require.NoError(t, err)
	require.Empty(t, desc)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	tokenID := "fp-root"
	sess := domain.Session{
		Handle:         "handle-1",
		UserID:         "user-1",
		Address:        domain.DefaultAddress(),
		Data:           []byte(`{"k":"v"}`),
		FamilyID:       idx.New().String(),
		CurrentTokenID: &tokenID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, s.Sessions().CreateSession(ctx, sess))
	require.ErrorIs(t, s.Sessions().CreateSession(ctx, sess), store.ErrAlreadyExists)

	got, err := s.Sessions().GetSession(ctx, "handle-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
	require.JSONEq(t, `{"k":"v"}`, string(got.Data))
	require.NotNil(t, got.CurrentTokenID)
	require.Equal(t, tokenID, *got.CurrentTokenID)
	require.Nil(t, got.RevokedAt)

	require.NoError(t, s.Sessions().UpdateSessionData(ctx, "handle-1", []byte(`{"k":"v2"}`)))
	require.NoError(t, s.Sessions().SetCurrentToken(ctx, "handle-1", "fp-child"))

	handles, err := s.Sessions().ListSessionHandles(ctx, domain.DefaultAddress(), "user-1")
	require.NoError(t, err)
	require.Equal(t, []string{"handle-1"}, handles)

	require.NoError(t, s.Sessions().RevokeSession(ctx, "handle-1", now))
	// Idempotent on repeat.
	require.NoError(t, s.Sessions().RevokeSession(ctx, "handle-1", now.Add(time.Minute)))
	require.ErrorIs(t, s.Sessions().RevokeSession(ctx, "missing", now), store.ErrNotFound)

	got, err = s.Sessions().GetSession(ctx, "handle-1")
	require.NoError(t, err)
	require.Nil(t, got.CurrentTokenID)
	require.NotNil(t, got.RevokedAt)
	require.True(t, got.Revoked())

	handles, err = s.Sessions().ListSessionHandles(ctx, domain.DefaultAddress(), "user-1")
	require.NoError(t, err)
	require.Empty(t, handles)
}

func TestConsumeRefreshToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	rec := domain.RefreshTokenRecord{
		TokenID:       "fp-1",
		FamilyID:      "fam-1",
		SessionHandle: "handle-1",
		Valid:         true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(ctx, rec))

	swapped, err := s.RefreshTokens().ConsumeRefreshToken(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, swapped)

	// Replay loses the swap but is not an error at this layer.
	swapped, err = s.RefreshTokens().ConsumeRefreshToken(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, swapped)

	_, err = s.RefreshTokens().ConsumeRefreshToken(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidateFamily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	parent := "fp-parent"
	for i, tokenID := range []string{"fp-parent", "fp-child"} {
		rec := domain.RefreshTokenRecord{
			TokenID:       tokenID,
			FamilyID:      "fam-1",
			SessionHandle: "handle-1",
			Valid:         i == 1,
			CreatedAt:     now,
			ExpiresAt:     now.Add(time.Hour),
		}
		if i == 1 {
			rec.ParentTokenID = &parent
		}
		require.NoError(t, s.RefreshTokens().CreateRefreshToken(ctx, rec))
	}

	require.NoError(t, s.RefreshTokens().InvalidateFamily(ctx, "fam-1"))

	for _, tokenID := range []string{"fp-parent", "fp-child"} {
		got, err := s.RefreshTokens().GetRefreshToken(ctx, tokenID)
		require.NoError(t, err)
		require.False(t, got.Valid)
	}
}

func TestInsertSigningKeyIfNewest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	first := domain.SigningKey{
		KID:       idx.NewAt(now.Add(-time.Hour)).String(),
		Algorithm: "ES256",
		Material:  []byte("m1"),
		CreatedAt: now.Add(-time.Hour),
		ValidFrom: now.Add(-time.Hour),
	}
	got, inserted, err := s.SigningKeys().InsertSigningKeyIfNewest(ctx, first, "")
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, first.KID, got.KID)

	// A rotation that raced and lost gets the winner back, no insert.
	stale := domain.SigningKey{
		KID:       idx.NewAt(now).String(),
		Algorithm: "ES256",
		Material:  []byte("m2"),
		CreatedAt: now,
		ValidFrom: now,
	}
	got, inserted, err = s.SigningKeys().InsertSigningKeyIfNewest(ctx, stale, "")
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first.KID, got.KID)

	second := domain.SigningKey{
		KID:       idx.NewAt(now).String(),
		Algorithm: "ES256",
		Material:  []byte("m3"),
		CreatedAt: now,
		ValidFrom: now,
	}
	got, inserted, err = s.SigningKeys().InsertSigningKeyIfNewest(ctx, second, first.KID)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, second.KID, got.KID)

	keys, err := s.SigningKeys().ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, second.KID, keys[0].KID)

	deleted, err := s.SigningKeys().DeleteSigningKeysBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{first.KID}, deleted)

	_, err = s.SigningKeys().GetSigningKey(ctx, second.KID)
	require.NoError(t, err)
	_, err = s.SigningKeys().GetSigningKey(ctx, first.KID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().CreateSession(ctx, domain.Session{
			Handle:    "h-tx",
			UserID:    "u1",
			Address:   domain.DefaultAddress(),
			FamilyID:  "fam",
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			return err
		}
		return store.ErrConflict
	})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Sessions().GetSession(ctx, "h-tx")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriterContentionIsTransient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tessera.db")

	a, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.ApplyMigrations())

	b, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	// Fail fast instead of waiting out the writer, and pin the pool to one
	// connection so the pragma sticks.
	b.db.SetMaxOpenConns(1)
	_, err = b.db.ExecContext(ctx, `PRAGMA busy_timeout = 0;`)
	require.NoError(t, err)

	// Hold the write lock through an open transaction on the first handle.
	tx, err := a.Tx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	require.NoError(t, tx.Sessions().CreateSession(ctx, domain.Session{
		Handle:    "holder",
		UserID:    "user-1",
		Address:   domain.DefaultAddress(),
		FamilyID:  idx.New().String(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	err = b.Sessions().CreateSession(ctx, domain.Session{
		Handle:    "blocked",
		UserID:    "user-2",
		Address:   domain.DefaultAddress(),
		FamilyID:  idx.New().String(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, store.ErrUnavailable)
}
