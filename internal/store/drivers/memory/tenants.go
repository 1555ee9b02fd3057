package memory

import (
	"context"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type tenantsRepo struct {
	run func(func(st *state) error) error
}

func (r *tenantsRepo) GetOverride(ctx context.Context, addr domain.TenantAddress) (domain.TenantOverrideRecord, error) {
	var rec domain.TenantOverrideRecord
	err := r.run(func(st *state) error {
		found, ok := st.overrides[addr.Key()]
		if !ok {
			return store.ErrNotFound
		}
		rec = found
		return nil
	})
	return rec, err
}

func (r *tenantsRepo) UpsertOverride(ctx context.Context, rec domain.TenantOverrideRecord) error {
	return r.run(func(st *state) error {
		key := rec.Address.Key()
		if existing, ok := st.overrides[key]; ok {
			rec.CreatedAt = existing.CreatedAt
		}
		st.overrides[key] = rec
		if v := rec.Override.AccessTokenValidity; v != nil && *v > st.maxAccessValidity {
			st.maxAccessValidity = *v
		}
		return nil
	})
}

func (r *tenantsRepo) DeleteOverride(ctx context.Context, addr domain.TenantAddress) error {
	return r.run(func(st *state) error {
		key := addr.Key()
		if _, ok := st.overrides[key]; !ok {
			return store.ErrNotFound
		}
		delete(st.overrides, key)
		return nil
	})
}

func (r *tenantsRepo) ListDescendants(ctx context.Context, addr domain.TenantAddress) ([]domain.TenantOverrideRecord, error) {
	var out []domain.TenantOverrideRecord
	err := r.run(func(st *state) error {
		selfKey := addr.Key()
		for key, rec := range st.overrides {
			if key == selfKey {
				continue
			}
			if !underSubtree(addr, rec.Address) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// underSubtree reports whether candidate sits strictly below the ancestor
// level in the hierarchy.
func underSubtree(ancestor, candidate domain.TenantAddress) bool {
	if candidate.ConnectionURIDomain != ancestor.ConnectionURIDomain {
		return false
	}
	switch ancestor.Kind() {
	case domain.EntityConnectionURIDomain:
		return true
	case domain.EntityApp:
		return candidate.AppID == ancestor.AppID
	default:
		// Tenants are leaves.
		return false
	}
}

func (r *tenantsRepo) AddUserToTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	return r.run(func(st *state) error {
		addrs, ok := st.associations[userID]
		if !ok {
			addrs = make(map[string]domain.TenantAddress)
			st.associations[userID] = addrs
		}
		if _, ok := addrs[addr.Key()]; ok {
			return store.ErrAlreadyExists
		}
		addrs[addr.Key()] = addr
		return nil
	})
}

func (r *tenantsRepo) RemoveUserFromTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	return r.run(func(st *state) error {
		addrs, ok := st.associations[userID]
		if !ok {
			return store.ErrNotFound
		}
		if _, ok := addrs[addr.Key()]; !ok {
			return store.ErrNotFound
		}
		delete(addrs, addr.Key())
		return nil
	})
}

func (r *tenantsRepo) ListTenantsForUser(ctx context.Context, userID string) ([]domain.TenantAddress, error) {
	var out []domain.TenantAddress
	err := r.run(func(st *state) error {
		for _, addr := range st.associations[userID] {
			out = append(out, addr)
		}
		return nil
	})
	return out, err
}

func (r *tenantsRepo) MaxAccessTokenValidity(ctx context.Context) (time.Duration, error) {
	var max time.Duration
	err := r.run(func(st *state) error {
		max = st.maxAccessValidity
		return nil
	})
	return max, err
}
