package jwtx

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// minHS256SecretSize rejects secrets weaker than the hash output size.
const minHS256SecretSize = 32

// HS256Signer implements the Signer interface using HMAC-SHA256.
// Verification requires the same shared secret, so this mode only suits
// deployments where issuer and verifier are the same trust domain.
type HS256Signer struct {
	kid    string
	secret []byte
	alg    string
}

func newHS256Signer(kid string, secret []byte) (*HS256Signer, error) {
	if len(secret) < minHS256SecretSize {
		return nil, fmt.Errorf("jwtx: HS256 secret must be at least %d bytes, got %d", minHS256SecretSize, len(secret))
	}

	return &HS256Signer{
		kid:    kid,
		secret: secret,
		alg:    jwt.SigningMethodHS256.Alg(),
	}, nil
}

func (s *HS256Signer) Alg() string { return s.alg }
func (s *HS256Signer) KID() string { return s.kid }

// Sign takes your claims and turns them into a signed JWT string.
func (s *HS256Signer) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.secret)
}

// VerificationKey returns the shared secret.
func (s *HS256Signer) VerificationKey() any {
	return s.secret
}

// Validate does a quick sanity check on the secret.
func (s *HS256Signer) Validate() error {
	if len(s.secret) < minHS256SecretSize {
		return errors.New("jwtx: HS256 secret too short")
	}
	return nil
}
