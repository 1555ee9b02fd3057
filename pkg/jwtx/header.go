package jwtx

import (
	"github.com/golang-jwt/jwt/v5"
)

// PeekKID extracts the "kid" header from a token without verifying it.
// Callers use this to fetch the right verification key before the real
// Verify pass; the returned value is untrusted until that pass succeeds.
func PeekKID(tokenStr string) (string, error) {
	parser := jwt.NewParser()

	token, _, err := parser.ParseUnverified(tokenStr, &Claims{})
	if err != nil {
		return "", ErrMalformed
	}

	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return "", ErrMalformed
	}

	return kid, nil
}
