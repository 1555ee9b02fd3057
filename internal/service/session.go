package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/obs"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/pkg/cryptox"
	"github.com/tessera-id/tessera/pkg/idx"
	"github.com/tessera-id/tessera/pkg/jwtx"
	"github.com/tessera-id/tessera/pkg/slogx"
)

// SessionService issues, verifies, refreshes, and revokes sessions. Who the
// user is stays an opaque input; identity flows authenticate first and then
// call CreateSession.
type SessionService struct {
	Store   store.Store
	Tenants *TenantService
	Keys    *Keyring
	Issuer  string
}

// CreateSession opens a new session for the user under the tenant address:
// a fresh refresh-token family with one root record, and an access token
// signed with the current key. The access token embeds the fingerprint of
// the refresh token issued alongside it.
func (s *SessionService) CreateSession(ctx context.Context, addr domain.TenantAddress, userID string, data json.RawMessage) (domain.SessionTokens, error) {
	addr = addr.Normalize()
	now := time.Now().UTC()

	cfg, err := s.Tenants.Resolve(ctx, addr)
	if err != nil {
		return domain.SessionTokens{}, err
	}

	refreshToken, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.SessionTokens{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	tokenID := cryptox.FingerprintToken(refreshToken)

	antiCSRF := ""
	if cfg.AntiCSRFRequired() {
		antiCSRF, err = cryptox.GenerateToken(cryptox.TokenSize128)
		if err != nil {
			return domain.SessionTokens{}, fmt.Errorf("failed to generate anti-csrf token: %w", err)
		}
	}

	signer, err := s.Keys.CurrentKey(ctx)
	if err != nil {
		return domain.SessionTokens{}, err
	}

	handle := uuid.NewString()
	claims := jwtx.NewAccessClaims(
		userID, handle,
		addr.ConnectionURIDomain, addr.AppID, addr.TenantID,
		antiCSRF, tokenID,
		cfg.AccessTokenValidity, s.Issuer, now,
	)
	accessToken, err := signer.Sign(claims)
	if err != nil {
		return domain.SessionTokens{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	session := domain.Session{
		Handle:         handle,
		UserID:         userID,
		Address:        addr,
		Data:           data,
		FamilyID:       idx.New().String(),
		CurrentTokenID: &tokenID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(cfg.RefreshTokenValidity),
	}
	root := domain.RefreshTokenRecord{
		TokenID:       tokenID,
		FamilyID:      session.FamilyID,
		SessionHandle: handle,
		Valid:         true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(cfg.RefreshTokenValidity),
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().CreateSession(ctx, session); err != nil {
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, root)
	})
	if err != nil {
		return domain.SessionTokens{}, err
	}

	obs.SessionsCreated.Inc()
	slogx.FromContext(ctx).Info("session created", "handle", handle, "address", addr.Key())

	return domain.SessionTokens{
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AntiCSRF:     antiCSRF,
	}, nil
}

// VerifySession checks an access token: signature against the key named in
// its header, expiry, anti-CSRF when the tenant config requires it, and the
// revocation state only when blacklisting is enabled. Without blacklisting
// the check is fully stateless and the returned session is reconstructed
// from the claims.
func (s *SessionService) VerifySession(ctx context.Context, accessToken, antiCSRF string) (domain.Session, error) {
	kid, err := jwtx.PeekKID(accessToken)
	if err != nil {
		obs.VerifyFailures.WithLabelValues("malformed").Inc()
		return domain.Session{}, fmt.Errorf("%w: %s", ErrUnauthorized, "malformed token")
	}
	if err := s.Keys.EnsureKey(ctx, kid); err != nil {
		obs.VerifyFailures.WithLabelValues("unknown_key").Inc()
		return domain.Session{}, fmt.Errorf("%w: unknown signing key", ErrUnauthorized)
	}

	verifier, err := s.Keys.Verifier(s.Issuer)
	if err != nil {
		return domain.Session{}, err
	}
	claims, err := verifier.Verify(accessToken)
	if err != nil {
		reason := "signature"
		if errors.Is(err, jwtx.ErrExpired) {
			reason = "expired"
		}
		obs.VerifyFailures.WithLabelValues(reason).Inc()
		return domain.Session{}, fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}

	addr := domain.TenantAddress{
		ConnectionURIDomain: claims.ConnectionURIDomain,
		AppID:               claims.AppID,
		TenantID:            claims.TenantID,
	}.Normalize()
	cfg, err := s.Tenants.Resolve(ctx, addr)
	if err != nil {
		return domain.Session{}, err
	}

	// Mismatch or absence fails closed, never a silent pass.
	if cfg.AntiCSRFRequired() {
		if claims.AntiCSRF == "" || !cryptox.ConstantTimeEquals(claims.AntiCSRF, antiCSRF) {
			obs.VerifyFailures.WithLabelValues("anti_csrf").Inc()
			return domain.Session{}, fmt.Errorf("%w: anti-csrf mismatch", ErrUnauthorized)
		}
	}

	if cfg.AccessTokenBlacklisting {
		session, err := s.Store.Sessions().GetSession(ctx, claims.SessionHandle)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				obs.VerifyFailures.WithLabelValues("revoked").Inc()
				return domain.Session{}, fmt.Errorf("%w: session gone", ErrUnauthorized)
			}
			return domain.Session{}, err
		}
		if session.Revoked() {
			obs.VerifyFailures.WithLabelValues("revoked").Inc()
			return domain.Session{}, fmt.Errorf("%w: session revoked", ErrUnauthorized)
		}
		return session, nil
	}

	return domain.Session{
		Handle:  claims.SessionHandle,
		UserID:  claims.Subject,
		Address: addr,
	}, nil
}

// RefreshSession rotates a refresh token. Exactly one of three outcomes:
//
//  1. the record is valid and this call wins the single-use swap: the
//     record is invalidated and a child becomes the new family head, all in
//     one transaction;
//  2. the record was already consumed: the token is being replayed, the
//     whole session is revoked, and the caller gets *TokenTheftError;
//  3. the record does not exist: ErrInvalidRefreshToken, no side effects.
//
// A caller that read the record as valid but lost the swap to a concurrent
// refresh gets ErrRefreshRaceLost, which is not a theft signal.
func (s *SessionService) RefreshSession(ctx context.Context, refreshToken string) (domain.SessionTokens, error) {
	now := time.Now().UTC()
	tokenID := cryptox.FingerprintToken(refreshToken)

	rec, err := s.Store.RefreshTokens().GetRefreshToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionTokens{}, ErrInvalidRefreshToken
		}
		return domain.SessionTokens{}, err
	}
	if now.After(rec.ExpiresAt) {
		return domain.SessionTokens{}, ErrInvalidRefreshToken
	}

	session, err := s.Store.Sessions().GetSession(ctx, rec.SessionHandle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionTokens{}, ErrInvalidRefreshToken
		}
		return domain.SessionTokens{}, err
	}

	if !rec.Valid {
		return domain.SessionTokens{}, s.handleTheft(ctx, rec, session)
	}

	cfg, err := s.Tenants.Resolve(ctx, session.Address)
	if err != nil {
		return domain.SessionTokens{}, err
	}

	newRefreshToken, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.SessionTokens{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	childID := cryptox.FingerprintToken(newRefreshToken)

	antiCSRF := ""
	if cfg.AntiCSRFRequired() {
		antiCSRF, err = cryptox.GenerateToken(cryptox.TokenSize128)
		if err != nil {
			return domain.SessionTokens{}, fmt.Errorf("failed to generate anti-csrf token: %w", err)
		}
	}

	signer, err := s.Keys.CurrentKey(ctx)
	if err != nil {
		return domain.SessionTokens{}, err
	}

	// Sign before consuming the old token. A signing failure after the swap
	// would strand the caller: their old token is spent and retrying it
	// would trip theft detection.
	claims := jwtx.NewAccessClaims(
		session.UserID, session.Handle,
		session.Address.ConnectionURIDomain, session.Address.AppID, session.Address.TenantID,
		antiCSRF, childID,
		cfg.AccessTokenValidity, s.Issuer, now,
	)
	accessToken, err := signer.Sign(claims)
	if err != nil {
		return domain.SessionTokens{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	child := domain.RefreshTokenRecord{
		TokenID:       childID,
		FamilyID:      rec.FamilyID,
		ParentTokenID: &tokenID,
		SessionHandle: rec.SessionHandle,
		Valid:         true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(cfg.RefreshTokenValidity),
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		swapped, err := tx.RefreshTokens().ConsumeRefreshToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if !swapped {
			// We read the record as valid; a concurrent refresh got here
			// first. Replay of the now-consumed token is judged on the next
			// call, not by us.
			return ErrRefreshRaceLost
		}

		current, err := tx.Sessions().GetSession(ctx, rec.SessionHandle)
		if err != nil {
			return err
		}
		if current.Revoked() || current.Expired(now) {
			return ErrInvalidRefreshToken
		}

		if err := tx.RefreshTokens().CreateRefreshToken(ctx, child); err != nil {
			return err
		}
		return tx.Sessions().SetCurrentToken(ctx, rec.SessionHandle, childID)
	})
	if err != nil {
		if errors.Is(err, ErrRefreshRaceLost) {
			obs.RefreshRacesLost.Inc()
		}
		return domain.SessionTokens{}, err
	}

	session.CurrentTokenID = &childID
	obs.SessionsRefreshed.Inc()

	return domain.SessionTokens{
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		AntiCSRF:     antiCSRF,
	}, nil
}

// handleTheft revokes the whole session before reporting the replay, so the
// error and the side effect cannot be observed separately.
func (s *SessionService) handleTheft(ctx context.Context, rec domain.RefreshTokenRecord, session domain.Session) error {
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().InvalidateFamily(ctx, rec.FamilyID); err != nil {
			return err
		}
		return tx.Sessions().RevokeSession(ctx, rec.SessionHandle, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	obs.TokenTheftDetected.Inc()
	obs.SessionsRevoked.Inc()
	slogx.FromContext(ctx).Warn("refresh token replay detected, session revoked",
		"handle", rec.SessionHandle, "user_id", session.UserID)

	return &TokenTheftError{
		SessionHandle: rec.SessionHandle,
		UserID:        session.UserID,
	}
}

// RevokeSession invalidates every refresh token in the session's family and
// stamps the session revoked. With blacklisting enabled for the tenant,
// verification starts rejecting outstanding access tokens immediately;
// without it they stay valid until natural expiry and only future refreshes
// are cut off.
func (s *SessionService) RevokeSession(ctx context.Context, handle string) error {
	session, err := s.Store.Sessions().GetSession(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().InvalidateFamily(ctx, session.FamilyID); err != nil {
			return err
		}
		return tx.Sessions().RevokeSession(ctx, handle, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	obs.SessionsRevoked.Inc()
	slogx.FromContext(ctx).Info("session revoked", "handle", handle)
	return nil
}

// RevokeAllSessionsForUser revokes every non-revoked session of the user
// within the tenant. All-or-nothing per session, not across sessions:
// partial progress on failure is fine and the call is retryable because
// per-handle revocation is idempotent.
func (s *SessionService) RevokeAllSessionsForUser(ctx context.Context, addr domain.TenantAddress, userID string) ([]string, error) {
	handles, err := s.Store.Sessions().ListSessionHandles(ctx, addr.Normalize(), userID)
	if err != nil {
		return nil, err
	}

	revoked := make([]string, 0, len(handles))
	for _, handle := range handles {
		if err := s.RevokeSession(ctx, handle); err != nil {
			return revoked, fmt.Errorf("failed to revoke session %s: %w", handle, err)
		}
		revoked = append(revoked, handle)
	}
	return revoked, nil
}

// GetSession returns the stored session record, revoked or not.
func (s *SessionService) GetSession(ctx context.Context, handle string) (domain.Session, error) {
	session, err := s.Store.Sessions().GetSession(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, err
	}
	return session, nil
}

// UpdateSessionData replaces the opaque data blob attached to the session.
func (s *SessionService) UpdateSessionData(ctx context.Context, handle string, data json.RawMessage) error {
	if err := s.Store.Sessions().UpdateSessionData(ctx, handle, data); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}
