package jwtx

// Supported JWT signing algorithms. The choice between the symmetric and the
// asymmetric algorithm is a deployment-time setting, fixed once the first
// key for a scope has been generated.
const (
	AlgorithmES256 = "ES256"
	AlgorithmHS256 = "HS256"
)

// Signer is our interface for anything that can sign access tokens.
type Signer interface {
	Alg() string
	KID() string
	Sign(Claims) (string, error)

	// VerificationKey returns the material a KeySet needs to verify tokens
	// produced by this signer: an *ecdsa.PublicKey for ES256, the shared
	// []byte secret for HS256.
	VerificationKey() any

	Validate() error
}

// NewSignerES256 creates an ES256 signer from PEM bytes.
// ECDSA P-256 keys must be in PKCS8 format.
func NewSignerES256(kid string, pemKey []byte) (Signer, error) {
	return newES256Signer(kid, pemKey)
}

// NewSignerHS256 creates an HS256 signer from a raw shared secret.
func NewSignerHS256(kid string, secret []byte) (Signer, error) {
	return newHS256Signer(kid, secret)
}

// NewSigner creates a signer for the given algorithm from raw key material
// (PKCS8 PEM for ES256, the shared secret for HS256).
func NewSigner(alg, kid string, material []byte) (Signer, error) {
	switch alg {
	case AlgorithmES256:
		return NewSignerES256(kid, material)
	case AlgorithmHS256:
		return NewSignerHS256(kid, material)
	default:
		return nil, ErrUnsupportedAlg
	}
}
