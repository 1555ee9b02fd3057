package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/obs"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/pkg/slogx"
)

// TenantService resolves tenant addresses to effective configurations and
// manages the three-level override hierarchy.
//
// Resolved configs are cached per address. Any write to an address
// invalidates the cached entries for that address and everything below it;
// a generation counter stops in-flight resolutions from re-caching state
// they read before the write committed.
type TenantService struct {
	Store store.Store

	mu    sync.Mutex
	gen   uint64
	cache map[domain.TenantAddress]domain.TenantConfig
}

func NewTenantService(st store.Store) *TenantService {
	return &TenantService{
		Store: st,
		cache: make(map[domain.TenantAddress]domain.TenantConfig),
	}
}

// Resolve merges the global defaults with the overrides stored at the
// domain, app, and tenant levels of the address, most specific last. A
// non-default level must have a record for the address to resolve at all;
// the fully-default address always resolves.
func (s *TenantService) Resolve(ctx context.Context, addr domain.TenantAddress) (domain.TenantConfig, error) {
	addr = addr.Normalize()

	s.mu.Lock()
	if cfg, ok := s.cache[addr]; ok {
		s.mu.Unlock()
		obs.TenantCacheHits.Inc()
		return cfg, nil
	}
	gen := s.gen
	s.mu.Unlock()
	obs.TenantCacheMisses.Inc()

	var cfg domain.TenantConfig
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		cfg, err = resolveInTx(ctx, tx, addr)
		return err
	})
	if err != nil {
		return domain.TenantConfig{}, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cache[addr] = cfg
	}
	s.mu.Unlock()
	return cfg, nil
}

// resolveInTx reads all levels inside one transaction so a resolution never
// observes a partially-applied override.
func resolveInTx(ctx context.Context, tx store.Tx, addr domain.TenantAddress) (domain.TenantConfig, error) {
	cfg := domain.DefaultTenantConfig()

	levels := []struct {
		addr     domain.TenantAddress
		required bool
	}{
		{addr.DomainAddress(), addr.ConnectionURIDomain != domain.DefaultConnectionURIDomain},
		{addr.AppAddress(), addr.AppID != domain.DefaultAppID},
		{addr, addr.TenantID != domain.DefaultTenantID},
	}

	seen := make(map[domain.TenantAddress]bool, len(levels))
	for _, level := range levels {
		if seen[level.addr] {
			continue
		}
		seen[level.addr] = true

		rec, err := tx.Tenants().GetOverride(ctx, level.addr)
		if errors.Is(err, store.ErrNotFound) {
			if level.required {
				return domain.TenantConfig{}, fmt.Errorf("%w: %s", ErrTenantNotFound, level.addr)
			}
			continue
		}
		if err != nil {
			return domain.TenantConfig{}, err
		}
		cfg = cfg.Apply(rec.Override)
	}
	return cfg, nil
}

// UpsertOverride creates or replaces the override stored at the address.
// The record's existence is what makes the entity exist, so creating a
// tenant-level record requires its app record and an app record its domain
// record, unless the parent is the default. The effective config at the
// address must validate; misconfiguration is rejected here, never at
// session time.
func (s *TenantService) UpsertOverride(ctx context.Context, addr domain.TenantAddress, override domain.TenantOverride) error {
	addr = addr.Normalize()
	now := time.Now().UTC()

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := requireParent(ctx, tx, addr); err != nil {
			return err
		}

		// Merge ancestors without requiring this address to exist yet.
		base := domain.DefaultTenantConfig()
		for _, ancestor := range []domain.TenantAddress{addr.DomainAddress(), addr.AppAddress()} {
			if ancestor == addr {
				continue
			}
			rec, err := tx.Tenants().GetOverride(ctx, ancestor)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			base = base.Apply(rec.Override)
		}
		if err := base.Apply(override).Validate(); err != nil {
			return err
		}

		rec := domain.TenantOverrideRecord{
			Address:   addr,
			Override:  override,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := tx.Tenants().GetOverride(ctx, addr); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
		return tx.Tenants().UpsertOverride(ctx, rec)
	})
	if err != nil {
		return err
	}

	s.invalidateSubtree(addr)
	slogx.FromContext(ctx).Info("tenant override written", "address", addr.Key())
	return nil
}

func requireParent(ctx context.Context, tx store.Tx, addr domain.TenantAddress) error {
	var parent domain.TenantAddress
	switch addr.Kind() {
	case domain.EntityTenant:
		parent = addr.AppAddress()
		if parent.IsDefault() {
			return nil
		}
		if parent.AppID == domain.DefaultAppID {
			// Tenant directly under a domain; the domain record is the parent.
			parent = addr.DomainAddress()
			if parent.IsDefault() {
				return nil
			}
		}
	case domain.EntityApp:
		parent = addr.DomainAddress()
		if parent.IsDefault() {
			return nil
		}
	default:
		return nil
	}

	if _, err := tx.Tenants().GetOverride(ctx, parent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent %s: %w", parent, store.ErrNotFound)
		}
		return err
	}
	return nil
}

// DeleteEntity removes the record at the address. A non-leaf entity with
// descendants fails with ErrConflict unless cascade is set, in which case
// the whole subtree goes in one transaction.
func (s *TenantService) DeleteEntity(ctx context.Context, addr domain.TenantAddress, cascade bool) error {
	addr = addr.Normalize()

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.Tenants().GetOverride(ctx, addr); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrTenantNotFound, addr)
			}
			return err
		}

		descendants, err := tx.Tenants().ListDescendants(ctx, addr)
		if err != nil {
			return err
		}
		if len(descendants) > 0 && !cascade {
			return fmt.Errorf("%w: %s has %d descendants", ErrConflict, addr, len(descendants))
		}
		for _, rec := range descendants {
			if err := tx.Tenants().DeleteOverride(ctx, rec.Address); err != nil {
				return err
			}
		}
		return tx.Tenants().DeleteOverride(ctx, addr)
	})
	if err != nil {
		return err
	}

	s.invalidateSubtree(addr)
	slogx.FromContext(ctx).Info("tenant entity deleted", "address", addr.Key(), "cascade", cascade)
	return nil
}

// AddUserToTenant records a user/tenant association. The tenant must resolve.
func (s *TenantService) AddUserToTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	addr = addr.Normalize()
	if _, err := s.Resolve(ctx, addr); err != nil {
		return err
	}
	return s.Store.Tenants().AddUserToTenant(ctx, addr, userID)
}

// RemoveUserFromTenant drops an association. User identity lives outside
// this engine; removing the last association deletes nothing else.
func (s *TenantService) RemoveUserFromTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	return s.Store.Tenants().RemoveUserFromTenant(ctx, addr.Normalize(), userID)
}

func (s *TenantService) ListTenantsForUser(ctx context.Context, userID string) ([]domain.TenantAddress, error) {
	return s.Store.Tenants().ListTenantsForUser(ctx, userID)
}

// invalidateSubtree drops cached configs for the address and everything
// below it, and bumps the generation so concurrent resolutions cannot
// re-cache pre-write state.
func (s *TenantService) invalidateSubtree(written domain.TenantAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for cached := range s.cache {
		if affectedBy(written, cached) {
			delete(s.cache, cached)
		}
	}
}

// affectedBy reports whether a write at `written` changes the effective
// config at `cached`, i.e. written is cached itself or one of its ancestors.
func affectedBy(written, cached domain.TenantAddress) bool {
	if written.ConnectionURIDomain != cached.ConnectionURIDomain {
		return false
	}
	switch written.Kind() {
	case domain.EntityConnectionURIDomain:
		return true
	case domain.EntityApp:
		return written.AppID == cached.AppID
	default:
		return written == cached
	}
}
