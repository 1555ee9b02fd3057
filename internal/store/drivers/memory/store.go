// Package memory implements the storage contract in process memory. It is
// the reference driver: embedded deployments and the test suite use it.
// Transactions take the store-wide write lock for their whole lifetime and
// mutate a snapshot, so commit is an atomic swap and rollback is free.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type state struct {
	overrides    map[string]domain.TenantOverrideRecord  // address key
	associations map[string]map[string]domain.TenantAddress // userID -> address key
	sessions     map[string]domain.Session               // handle
	refreshes    map[string]domain.RefreshTokenRecord    // token fingerprint
	signingKeys  map[string]domain.SigningKey            // kid

	// High-water mark of the largest access-token validity ever written.
	// Never lowered, not even when the override that set it is deleted:
	// tokens issued under the old validity may still be live.
	maxAccessValidity time.Duration
}

func newState() *state {
	return &state{
		overrides:    make(map[string]domain.TenantOverrideRecord),
		associations: make(map[string]map[string]domain.TenantAddress),
		sessions:     make(map[string]domain.Session),
		refreshes:    make(map[string]domain.RefreshTokenRecord),
		signingKeys:  make(map[string]domain.SigningKey),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.overrides {
		c.overrides[k] = v
	}
	for user, addrs := range st.associations {
		m := make(map[string]domain.TenantAddress, len(addrs))
		for k, v := range addrs {
			m[k] = v
		}
		c.associations[user] = m
	}
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	for k, v := range st.refreshes {
		c.refreshes[k] = v
	}
	for k, v := range st.signingKeys {
		c.signingKeys[k] = v
	}
	c.maxAccessValidity = st.maxAccessValidity
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

// ApplyMigrations is a no-op; the memory driver has no schema.
func (s *Store) ApplyMigrations() error { return nil }

// Tx locks the store and hands back a transaction working on a snapshot.
// Commit swaps the snapshot in; Rollback discards it. Either releases the
// lock, so transactions are fully serialized.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &txStore{parent: s, work: s.state.clone()}, nil
}

// WithTx executes fn within a transaction, automatically handling
// commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// lockedState runs fn with the store lock held, acting directly on live state.
func (s *Store) lockedState(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) Tenants() store.Tenants             { return &tenantsRepo{run: s.lockedState} }
func (s *Store) Sessions() store.Sessions           { return &sessionsRepo{run: s.lockedState} }
func (s *Store) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{run: s.lockedState} }
func (s *Store) SigningKeys() store.SigningKeys     { return &signingKeysRepo{run: s.lockedState} }

type txStore struct {
	parent *Store
	work   *state
	done   bool
}

func (t *txStore) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.parent.state = t.work
	t.parent.mu.Unlock()
	return nil
}

func (t *txStore) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.parent.mu.Unlock()
	return nil
}

func (t *txStore) Close() error { return nil }

func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) ApplyMigrations() error { return nil }

// Nested transactions are not supported.
func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	return nil, store.ErrConflict
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.ErrConflict
}

// txState runs fn directly on the snapshot; the store lock is already held.
func (t *txStore) txState(fn func(st *state) error) error {
	return fn(t.work)
}

func (t *txStore) Tenants() store.Tenants             { return &tenantsRepo{run: t.txState} }
func (t *txStore) Sessions() store.Sessions           { return &sessionsRepo{run: t.txState} }
func (t *txStore) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{run: t.txState} }
func (t *txStore) SigningKeys() store.SigningKeys     { return &signingKeysRepo{run: t.txState} }
