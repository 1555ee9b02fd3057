package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/internal/store/drivers/memory"
	"github.com/tessera-id/tessera/pkg/jwtx"
)

const testIssuer = "tessera-test"

func newSessionService(t *testing.T) *SessionService {
	t.Helper()

	st := memory.NewStore()
	ring, err := NewKeyring(st, jwtx.AlgorithmES256, time.Hour)
	require.NoError(t, err)

	return &SessionService{
		Store:   st,
		Tenants: NewTenantService(st),
		Keys:    ring,
		Issuer:  testIssuer,
	}
}

func TestCreateAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	tokens, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", json.RawMessage(`{"device":"laptop"}`))
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.Empty(t, tokens.AntiCSRF, "anti-CSRF is off by default")

	session, err := svc.VerifySession(ctx, tokens.AccessToken, "")
	require.NoError(t, err)
	require.Equal(t, tokens.Session.Handle, session.Handle)
	require.Equal(t, "user-1", session.UserID)
	require.Equal(t, domain.DefaultAddress(), session.Address)
}

func TestCreateSessionUnknownTenant(t *testing.T) {
	t.Parallel()

	svc := newSessionService(t)
	_, err := svc.CreateSession(context.Background(), domain.TenantAddress{TenantID: "ghost"}, "user-1", nil)
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	signer, err := svc.Keys.CurrentKey(ctx)
	require.NoError(t, err)

	claims := jwtx.NewAccessClaims(
		"user-1", "handle-1",
		"", domain.DefaultAppID, domain.DefaultTenantID,
		"", "",
		-time.Minute, testIssuer, time.Now().UTC().Add(-time.Hour),
	)
	expired, err := signer.Sign(claims)
	require.NoError(t, err)

	_, err = svc.VerifySession(ctx, expired, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyGarbageToken(t *testing.T) {
	t.Parallel()

	svc := newSessionService(t)
	_, err := svc.VerifySession(context.Background(), "not.a.jwt", "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyAntiCSRF(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	require.NoError(t, svc.Tenants.UpsertOverride(ctx, domain.DefaultAddress(), domain.TenantOverride{
		EnableAntiCSRF: boolPtr(true),
	}))

	tokens, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AntiCSRF)

	_, err = svc.VerifySession(ctx, tokens.AccessToken, tokens.AntiCSRF)
	require.NoError(t, err)

	// Wrong or absent anti-CSRF never passes silently.
	_, err = svc.VerifySession(ctx, tokens.AccessToken, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.VerifySession(ctx, tokens.AccessToken, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshRotatesChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	created, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)

	refreshed, err := svc.RefreshSession(ctx, created.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, created.Session.Handle, refreshed.Session.Handle)
	require.NotEqual(t, created.RefreshToken, refreshed.RefreshToken)

	// The chain continues from the new head.
	again, err := svc.RefreshSession(ctx, refreshed.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, refreshed.RefreshToken, again.RefreshToken)

	// New access tokens verify.
	_, err = svc.VerifySession(ctx, again.AccessToken, "")
	require.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	t.Parallel()

	svc := newSessionService(t)
	_, err := svc.RefreshSession(context.Background(), "garbage-token")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestReplayDetectsTheftAndRevokesFamily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	created, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)

	refreshed, err := svc.RefreshSession(ctx, created.RefreshToken)
	require.NoError(t, err)

	// Replaying the consumed token is the theft signal.
	_, err = svc.RefreshSession(ctx, created.RefreshToken)
	var theft *TokenTheftError
	require.ErrorAs(t, err, &theft)
	require.Equal(t, created.Session.Handle, theft.SessionHandle)
	require.Equal(t, "user-1", theft.UserID)

	// The whole family is dead, including the latest head.
	_, err = svc.RefreshSession(ctx, refreshed.RefreshToken)
	require.Error(t, err)

	session, err := svc.GetSession(ctx, created.Session.Handle)
	require.NoError(t, err)
	require.True(t, session.Revoked())

	// With blacklisting on, the outstanding access token is rejected too.
	require.NoError(t, svc.Tenants.UpsertOverride(ctx, domain.DefaultAddress(), domain.TenantOverride{
		AccessTokenBlacklisting: boolPtr(true),
	}))
	_, err = svc.VerifySession(ctx, refreshed.AccessToken, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestConcurrentRefreshSingleUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	created, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)

	const workers = 12
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.RefreshSession(ctx, created.RefreshToken)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		var theft *TokenTheftError
		if !errors.Is(err, ErrRefreshRaceLost) && !errors.As(err, &theft) && !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "two refreshes must never both succeed from the same parent")
}

func TestRevokeSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	created, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(ctx, created.Session.Handle))
	require.ErrorIs(t, svc.RevokeSession(ctx, "missing"), ErrSessionNotFound)

	// Future refreshes are cut off.
	_, err = svc.RefreshSession(ctx, created.RefreshToken)
	require.Error(t, err)

	// Without blacklisting the outstanding access token stays valid until
	// natural expiry; that trade-off is explicit.
	_, err = svc.VerifySession(ctx, created.AccessToken, "")
	require.NoError(t, err)
}

func TestRevokeAllSessionsForUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	first, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)
	other, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-2", nil)
	require.NoError(t, err)

	revoked, err := svc.RevokeAllSessionsForUser(ctx, domain.DefaultAddress(), "user-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{first.Session.Handle, second.Session.Handle}, revoked)

	// Idempotent: already-revoked sessions are no longer listed.
	revoked, err = svc.RevokeAllSessionsForUser(ctx, domain.DefaultAddress(), "user-1")
	require.NoError(t, err)
	require.Empty(t, revoked)

	// The other user is untouched.
	_, err = svc.RefreshSession(ctx, other.RefreshToken)
	require.NoError(t, err)
}

func TestSessionDataLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newSessionService(t)

	created, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	require.NoError(t, svc.UpdateSessionData(ctx, created.Session.Handle, json.RawMessage(`{"a":2}`)))
	require.ErrorIs(t, svc.UpdateSessionData(ctx, "missing", nil), ErrSessionNotFound)

	session, err := svc.GetSession(ctx, created.Session.Handle)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(session.Data))

	_, err = svc.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// failingRefreshStore injects a storage failure into the rotation
// transaction while armed, to exercise rollback behavior.
type failingRefreshStore struct {
	store.Store
	fail *bool
}

func (s *failingRefreshStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingRefreshTx{storeTx: tx, fail: s.fail})
	})
}

// storeTx aliases store.Tx so the embedded field name does not collide
// with the interface's Tx method.
type storeTx = store.Tx

type failingRefreshTx struct {
	storeTx
	fail *bool
}

func (t *failingRefreshTx) RefreshTokens() store.RefreshTokens {
	return &failingRefreshRepo{RefreshTokens: t.storeTx.RefreshTokens(), fail: t.fail}
}

type failingRefreshRepo struct {
	store.RefreshTokens
	fail *bool
}

func (r *failingRefreshRepo) CreateRefreshToken(ctx context.Context, rec domain.RefreshTokenRecord) error {
	if *r.fail {
		return store.ErrUnavailable
	}
	return r.RefreshTokens.CreateRefreshToken(ctx, rec)
}

func TestRefreshFailureLeavesTokenUnconsumed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memory.NewStore()
	ring, err := NewKeyring(mem, jwtx.AlgorithmES256, time.Hour)
	require.NoError(t, err)

	fail := false
	svc := &SessionService{
		Store:   &failingRefreshStore{Store: mem, fail: &fail},
		Tenants: NewTenantService(mem),
		Keys:    ring,
		Issuer:  testIssuer,
	}

	tokens, err := svc.CreateSession(ctx, domain.DefaultAddress(), "user-1", nil)
	require.NoError(t, err)

	// A refresh that dies mid-transaction must roll back the single-use
	// swap. Stranding the caller with a consumed token would turn their
	// only retry path into a theft signal.
	fail = true
	_, err = svc.RefreshSession(ctx, tokens.RefreshToken)
	require.ErrorIs(t, err, store.ErrUnavailable)

	fail = false
	rotated, err := svc.RefreshSession(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	_, err = svc.VerifySession(ctx, rotated.AccessToken, "")
	require.NoError(t, err)
}
