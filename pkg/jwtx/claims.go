package jwtx

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims. Access tokens are self-contained: any
// service holding the verification material for the signing key can check
// them without a storage round trip. Changes must stay additive so tokens
// issued by older deployments keep verifying.
type Claims struct {
	jwt.RegisteredClaims

	// SessionHandle identifies the session, stable across refreshes.
	SessionHandle string `json:"sid"`

	// Tenant addressing triple the session was created under.
	ConnectionURIDomain string `json:"cud,omitempty"`
	AppID               string `json:"aid,omitempty"`
	TenantID            string `json:"tid,omitempty"`

	// AntiCSRF is the anti-CSRF token bound at issuance. Only present when
	// the tenant config requires anti-CSRF checking.
	AntiCSRF string `json:"antiCsrf,omitempty"`

	// ParentRefreshTokenHash is the fingerprint of the refresh token issued
	// alongside this access token.
	ParentRefreshTokenHash string `json:"prt,omitempty"`
}

// NewAccessClaims builds minimally-correct claims for a session access token.
func NewAccessClaims(
	userID, sessionHandle string,
	connectionURIDomain, appID, tenantID string,
	antiCSRF, parentRefreshTokenHash string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionHandle:          sessionHandle,
		ConnectionURIDomain:    connectionURIDomain,
		AppID:                  appID,
		TenantID:               tenantID,
		AntiCSRF:               antiCSRF,
		ParentRefreshTokenHash: parentRefreshTokenHash,
	}
}

// ValidateIssuer checks if the issuer matches expected value.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil // nothing to enforce
	}

	if c.Issuer != expected {
		return ErrIssuer
	}

	return nil
}

// ValidateExpiry ensures the token hasn't expired (exp) and isn't used
// before it is valid (nbf).
func (c *Claims) ValidateExpiry() error {
	return c.ValidateExpiryWithLeeway(0)
}

// ValidateExpiryWithLeeway adds a small grace period for clock skew.
func (c *Claims) ValidateExpiryWithLeeway(leeway time.Duration) error {
	now := time.Now().UTC()

	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}

	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}

	return nil
}
