package service

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/internal/store/drivers/memory"
)

func durationPtr(d time.Duration) *time.Duration { return &d }
func boolPtr(b bool) *bool                       { return &b }
func stringPtr(s string) *string                 { return &s }

func TestResolveDefaultAddress(t *testing.T) {
	t.Parallel()

	svc := NewTenantService(memory.NewStore())
	cfg, err := svc.Resolve(context.Background(), domain.DefaultAddress())
	require.NoError(t, err)
	require.Equal(t, domain.DefaultTenantConfig(), cfg)
}

func TestResolveUnknownTenant(t *testing.T) {
	t.Parallel()

	svc := NewTenantService(memory.NewStore())
	_, err := svc.Resolve(context.Background(), domain.TenantAddress{AppID: "public", TenantID: "nope"})
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestResolveMergePrecedenceScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	// domain d1 exists with no overrides; app a1 sets validity 120s; tenant
	// t1 under it sets 60s. Global default stays at one hour.
	d1 := domain.TenantAddress{ConnectionURIDomain: "d1"}
	a1 := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1"}
	t1 := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}

	require.NoError(t, svc.UpsertOverride(ctx, d1, domain.TenantOverride{}))
	require.NoError(t, svc.UpsertOverride(ctx, a1, domain.TenantOverride{
		AccessTokenValidity: durationPtr(120 * time.Second),
	}))
	require.NoError(t, svc.UpsertOverride(ctx, t1, domain.TenantOverride{
		AccessTokenValidity: durationPtr(60 * time.Second),
	}))

	cfg, err := svc.Resolve(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cfg.AccessTokenValidity)

	cfg, err = svc.Resolve(ctx, a1)
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, cfg.AccessTokenValidity)

	cfg, err = svc.Resolve(ctx, d1)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultAccessTokenValidity, cfg.AccessTokenValidity)
}

func TestResolveMergePrecedenceProperty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	addr := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}
	levels := []domain.TenantAddress{addr.DomainAddress(), addr.AppAddress(), addr}

	for round := 0; round < 50; round++ {
		svc := NewTenantService(memory.NewStore())

		// Random subset of fields set at each level; track the most
		// specific value per field.
		want := domain.DefaultTenantConfig()
		for _, level := range levels {
			override := domain.TenantOverride{}
			if rng.Intn(2) == 0 {
				v := time.Duration(1+rng.Intn(300)) * time.Second
				override.AccessTokenValidity = &v
				want.AccessTokenValidity = v
			}
			if rng.Intn(2) == 0 {
				v := rng.Intn(2) == 0
				override.CookieSecure = &v
				want.CookieSecure = v
			}
			if rng.Intn(2) == 0 {
				v := "cookies.example.com"
				override.CookieDomain = &v
				want.CookieDomain = v
			}
			if rng.Intn(2) == 0 {
				v := 401 + rng.Intn(3)
				override.UnauthorizedStatusCode = &v
				want.UnauthorizedStatusCode = v
			}
			require.NoError(t, svc.UpsertOverride(ctx, level, override))
		}

		got, err := svc.Resolve(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, want, got, "round %d", round)
	}
}

func TestUpsertRequiresParent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	// Tenant under an app whose record does not exist.
	err := svc.UpsertOverride(ctx, domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}, domain.TenantOverride{})
	require.ErrorIs(t, err, store.ErrNotFound)

	// App under a domain whose record does not exist.
	err = svc.UpsertOverride(ctx, domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1"}, domain.TenantOverride{})
	require.ErrorIs(t, err, store.ErrNotFound)

	// Under the fully-default parent no record is needed.
	require.NoError(t, svc.UpsertOverride(ctx, domain.TenantAddress{TenantID: "t1"}, domain.TenantOverride{}))
}

func TestUpsertRejectsInvalidEffectiveConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	err := svc.UpsertOverride(ctx, domain.DefaultAddress(), domain.TenantOverride{
		CookieSameSite: stringPtr(domain.SameSiteNone),
	})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	// With anti-CSRF enabled the same override is fine.
	require.NoError(t, svc.UpsertOverride(ctx, domain.DefaultAddress(), domain.TenantOverride{
		CookieSameSite: stringPtr(domain.SameSiteNone),
		EnableAntiCSRF: boolPtr(true),
	}))

	err = svc.UpsertOverride(ctx, domain.DefaultAddress(), domain.TenantOverride{
		AccessTokenValidity:  durationPtr(2 * time.Hour),
		RefreshTokenValidity: durationPtr(time.Hour),
	})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestDeleteEntityCascade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	d1 := domain.TenantAddress{ConnectionURIDomain: "d1"}
	a1 := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1"}
	t1 := domain.TenantAddress{ConnectionURIDomain: "d1", AppID: "a1", TenantID: "t1"}

	require.NoError(t, svc.UpsertOverride(ctx, d1, domain.TenantOverride{}))
	require.NoError(t, svc.UpsertOverride(ctx, a1, domain.TenantOverride{}))
	require.NoError(t, svc.UpsertOverride(ctx, t1, domain.TenantOverride{}))

	require.ErrorIs(t, svc.DeleteEntity(ctx, a1, false), ErrConflict)

	require.NoError(t, svc.DeleteEntity(ctx, a1, true))
	_, err := svc.Resolve(ctx, t1)
	require.ErrorIs(t, err, ErrTenantNotFound)
	_, err = svc.Resolve(ctx, a1)
	require.ErrorIs(t, err, ErrTenantNotFound)

	// The domain itself survives.
	_, err = svc.Resolve(ctx, d1)
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeleteEntity(ctx, a1, false), ErrTenantNotFound)
}

func TestCacheInvalidationOnAncestorWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	d1 := domain.TenantAddress{ConnectionURIDomain: "d1"}
	t1 := domain.TenantAddress{ConnectionURIDomain: "d1", TenantID: "t1"}

	require.NoError(t, svc.UpsertOverride(ctx, d1, domain.TenantOverride{}))
	require.NoError(t, svc.UpsertOverride(ctx, t1, domain.TenantOverride{}))

	cfg, err := svc.Resolve(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultAccessTokenValidity, cfg.AccessTokenValidity)

	// Writing the ancestor must be visible through the cached descendant.
	require.NoError(t, svc.UpsertOverride(ctx, d1, domain.TenantOverride{
		AccessTokenValidity: durationPtr(42 * time.Second),
	}))

	cfg, err = svc.Resolve(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, 42*time.Second, cfg.AccessTokenValidity)
}

func TestUserTenantAssociationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewTenantService(memory.NewStore())

	t1 := domain.TenantAddress{TenantID: "t1"}
	require.NoError(t, svc.UpsertOverride(ctx, t1, domain.TenantOverride{}))

	require.NoError(t, svc.AddUserToTenant(ctx, t1, "user-1"))
	require.ErrorIs(t, svc.AddUserToTenant(ctx, t1, "user-1"), store.ErrAlreadyExists)

	// Unknown tenants never get associations.
	require.ErrorIs(t, svc.AddUserToTenant(ctx, domain.TenantAddress{TenantID: "ghost"}, "user-1"), ErrTenantNotFound)

	tenants, err := svc.ListTenantsForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, []domain.TenantAddress{t1.Normalize()}, tenants)

	require.NoError(t, svc.RemoveUserFromTenant(ctx, t1, "user-1"))
	tenants, err = svc.ListTenantsForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, tenants)
}
