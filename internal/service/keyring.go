package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/obs"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/pkg/cryptox"
	"github.com/tessera-id/tessera/pkg/idx"
	"github.com/tessera-id/tessera/pkg/jwtx"
	"github.com/tessera-id/tessera/pkg/slogx"
)

// DefaultKeyRotationInterval matches how often new signing keys are minted
// when no interval is configured.
const DefaultKeyRotationInterval = 24 * time.Hour

// Keyring owns access-token signing keys. It is a fetch-on-demand cache in
// front of the storage contract rather than state initialized once at
// startup, so multiple processes sharing one store converge on the same
// keys.
//
// The algorithm is fixed at deployment. A stored key carrying a different
// algorithm than configured means the deployment changed algorithm against
// an existing store, which is an error, never silently accepted.
type Keyring struct {
	Store            store.Store
	Algorithm        string
	RotationInterval time.Duration

	mu         sync.RWMutex
	current    jwtx.Signer
	currentKey domain.SigningKey
	keys       *jwtx.KeySet

	// Throttles storage lookups for kids not in the keyset, so a flood of
	// garbage tokens cannot stampede the store.
	unknownKID *rate.Limiter
}

func NewKeyring(st store.Store, algorithm string, rotationInterval time.Duration) (*Keyring, error) {
	switch algorithm {
	case jwtx.AlgorithmES256, jwtx.AlgorithmHS256:
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
	if rotationInterval <= 0 {
		rotationInterval = DefaultKeyRotationInterval
	}
	return &Keyring{
		Store:            st,
		Algorithm:        algorithm,
		RotationInterval: rotationInterval,
		keys:             jwtx.NewKeySet(),
		unknownKID:       rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// CurrentKey returns the signer for new issuance, rotating first when the
// newest stored key is older than the rotation interval. Readers never see
// a partial state: they get the previous key or the new one.
func (k *Keyring) CurrentKey(ctx context.Context) (jwtx.Signer, error) {
	now := time.Now().UTC()

	k.mu.RLock()
	if k.current != nil && now.Sub(k.currentKey.CreatedAt) < k.RotationInterval {
		signer := k.current
		k.mu.RUnlock()
		return signer, nil
	}
	k.mu.RUnlock()

	newest, err := k.newestStored(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err == nil && now.Sub(newest.CreatedAt) < k.RotationInterval {
		return k.adopt(newest)
	}

	afterKID := ""
	if err == nil {
		afterKID = newest.KID
	}
	winner, err := k.rotate(ctx, afterKID)
	if err != nil {
		return nil, err
	}
	return k.adopt(winner)
}

// KeyByID fetches a stored key by identifier.
func (k *Keyring) KeyByID(ctx context.Context, kid string) (domain.SigningKey, error) {
	return k.Store.SigningKeys().GetSigningKey(ctx, kid)
}

// Rotate mints a new key regardless of the current key's age. Exactly one
// key is created per rotation even under concurrent callers; losers of the
// race observe and return the winner's key.
func (k *Keyring) Rotate(ctx context.Context) (domain.SigningKey, error) {
	afterKID := ""
	if newest, err := k.newestStored(ctx); err == nil {
		afterKID = newest.KID
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SigningKey{}, err
	}

	winner, err := k.rotate(ctx, afterKID)
	if err != nil {
		return domain.SigningKey{}, err
	}
	if _, err := k.adopt(winner); err != nil {
		return domain.SigningKey{}, err
	}
	return winner, nil
}

func (k *Keyring) rotate(ctx context.Context, afterKID string) (domain.SigningKey, error) {
	var material []byte
	var err error
	switch k.Algorithm {
	case jwtx.AlgorithmES256:
		material, err = cryptox.GenerateES256Key()
	case jwtx.AlgorithmHS256:
		material, err = cryptox.GenerateHS256Key()
	}
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("failed to generate key material: %w", err)
	}

	encrypted, err := cryptox.EncryptKeyMaterial(material)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("failed to encrypt key material: %w", err)
	}

	now := time.Now().UTC()
	key := domain.SigningKey{
		KID:       idx.New().String(),
		Algorithm: k.Algorithm,
		Material:  encrypted,
		CreatedAt: now,
		ValidFrom: now,
	}

	winner, inserted, err := k.Store.SigningKeys().InsertSigningKeyIfNewest(ctx, key, afterKID)
	if err != nil {
		return domain.SigningKey{}, err
	}
	if inserted {
		obs.KeyRotations.Inc()
		slogx.FromContext(ctx).Info("signing key rotated", "kid", winner.KID, "alg", winner.Algorithm)
	}
	return winner, nil
}

// adopt decrypts a stored key, installs it as current, and registers its
// verification material.
func (k *Keyring) adopt(key domain.SigningKey) (jwtx.Signer, error) {
	if key.Algorithm != k.Algorithm {
		return nil, fmt.Errorf("stored key %s uses algorithm %s, deployment configured %s", key.KID, key.Algorithm, k.Algorithm)
	}

	material, err := cryptox.DecryptKeyMaterial(key.Material)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key %s: %w", key.KID, err)
	}
	signer, err := jwtx.NewSigner(key.Algorithm, key.KID, material)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil || key.CreatedAt.After(k.currentKey.CreatedAt) ||
		(key.CreatedAt.Equal(k.currentKey.CreatedAt) && key.KID >= k.currentKey.KID) {
		k.current = signer
		k.currentKey = key
	}
	k.keys.AddSigner(signer)
	return signer, nil
}

// Verifier returns a verifier over every key the ring has seen. Tokens
// signed by retained older keys keep verifying as long as the keys exist.
func (k *Keyring) Verifier(issuer string) (jwtx.Verifier, error) {
	return jwtx.NewVerifier(k.Algorithm, k.keys, issuer)
}

// EnsureKey makes the verification material for kid available, fetching it
// from storage when the local set does not have it yet. Lookups for unknown
// kids are rate limited.
func (k *Keyring) EnsureKey(ctx context.Context, kid string) error {
	if _, err := k.keys.Get(kid); err == nil {
		return nil
	}
	if !k.unknownKID.Allow() {
		return jwtx.ErrNoKey
	}

	key, err := k.Store.SigningKeys().GetSigningKey(ctx, kid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jwtx.ErrNoKey
		}
		return err
	}
	_, err = k.adopt(key)
	return err
}

func (k *Keyring) newestStored(ctx context.Context) (domain.SigningKey, error) {
	keys, err := k.Store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return domain.SigningKey{}, err
	}
	if len(keys) == 0 {
		return domain.SigningKey{}, store.ErrNotFound
	}
	return keys[0], nil
}

// SweepExpired deletes keys no still-valid token can reference. The
// retention window is the largest access-token validity configured
// anywhere, never less than the compiled-in default; the newest key is
// always kept.
func (k *Keyring) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	retention, err := k.Store.Tenants().MaxAccessTokenValidity(ctx)
	if err != nil {
		return nil, err
	}
	if retention < domain.DefaultAccessTokenValidity {
		retention = domain.DefaultAccessTokenValidity
	}

	deleted, err := k.Store.SigningKeys().DeleteSigningKeysBefore(ctx, now.Add(-retention))
	if err != nil {
		return nil, err
	}
	for _, kid := range deleted {
		k.keys.Remove(kid)
	}
	return deleted, nil
}
