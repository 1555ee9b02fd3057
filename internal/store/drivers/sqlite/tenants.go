package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type tenantsRepo struct {
	db dbtx
}

// overrideBlob is the persisted form of a tenant override. Durations are
// stored as milliseconds so the blob stays portable across drivers.
type overrideBlob struct {
	AccessTokenValidityMS   *int64    `json:"access_token_validity_ms,omitempty"`
	RefreshTokenValidityMS  *int64    `json:"refresh_token_validity_ms,omitempty"`
	AccessTokenBlacklisting *bool     `json:"access_token_blacklisting,omitempty"`
	EnableAntiCSRF          *bool     `json:"enable_anti_csrf,omitempty"`
	CookieDomain            *string   `json:"cookie_domain,omitempty"`
	CookieSecure            *bool     `json:"cookie_secure,omitempty"`
	CookieSameSite          *string   `json:"cookie_same_site,omitempty"`
	UnauthorizedStatusCode  *int      `json:"unauthorized_status_code,omitempty"`
	EnabledLoginMethods     *[]string `json:"enabled_login_methods,omitempty"`
}

func encodeOverride(o domain.TenantOverride) ([]byte, error) {
	blob := overrideBlob{
		AccessTokenBlacklisting: o.AccessTokenBlacklisting,
		EnableAntiCSRF:          o.EnableAntiCSRF,
		CookieDomain:            o.CookieDomain,
		CookieSecure:            o.CookieSecure,
		CookieSameSite:          o.CookieSameSite,
		UnauthorizedStatusCode:  o.UnauthorizedStatusCode,
		EnabledLoginMethods:     o.EnabledLoginMethods,
	}
	if o.AccessTokenValidity != nil {
		ms := o.AccessTokenValidity.Milliseconds()
		blob.AccessTokenValidityMS = &ms
	}
	if o.RefreshTokenValidity != nil {
		ms := o.RefreshTokenValidity.Milliseconds()
		blob.RefreshTokenValidityMS = &ms
	}
	return json.Marshal(blob)
}

func decodeOverride(raw []byte) (domain.TenantOverride, error) {
	var blob overrideBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return domain.TenantOverride{}, err
	}
	o := domain.TenantOverride{
		AccessTokenBlacklisting: blob.AccessTokenBlacklisting,
		EnableAntiCSRF:          blob.EnableAntiCSRF,
		CookieDomain:            blob.CookieDomain,
		CookieSecure:            blob.CookieSecure,
		CookieSameSite:          blob.CookieSameSite,
		UnauthorizedStatusCode:  blob.UnauthorizedStatusCode,
		EnabledLoginMethods:     blob.EnabledLoginMethods,
	}
	if blob.AccessTokenValidityMS != nil {
		d := time.Duration(*blob.AccessTokenValidityMS) * time.Millisecond
		o.AccessTokenValidity = &d
	}
	if blob.RefreshTokenValidityMS != nil {
		d := time.Duration(*blob.RefreshTokenValidityMS) * time.Millisecond
		o.RefreshTokenValidity = &d
	}
	return o, nil
}

func (r *tenantsRepo) GetOverride(ctx context.Context, addr domain.TenantAddress) (domain.TenantOverrideRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT override, created_at, updated_at
		FROM tenant_overrides
		WHERE cud = ? AND app_id = ? AND tenant_id = ?`,
		addr.ConnectionURIDomain, addr.AppID, addr.TenantID)

	var raw []byte
	rec := domain.TenantOverrideRecord{Address: addr}
	if err := row.Scan(&raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.TenantOverrideRecord{}, mapNotFound(err)
	}

	override, err := decodeOverride(raw)
	if err != nil {
		return domain.TenantOverrideRecord{}, err
	}
	rec.Override = override
	return rec, nil
}

func (r *tenantsRepo) UpsertOverride(ctx context.Context, rec domain.TenantOverrideRecord) error {
	raw, err := encodeOverride(rec.Override)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tenant_overrides (cud, app_id, tenant_id, override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cud, app_id, tenant_id) DO UPDATE SET
			override   = excluded.override,
			updated_at = excluded.updated_at`,
		rec.Address.ConnectionURIDomain, rec.Address.AppID, rec.Address.TenantID,
		raw, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}

	if v := rec.Override.AccessTokenValidity; v != nil {
		// Raise the retention watermark, never lower it.
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO config_watermarks (id, access_token_validity_ms)
			VALUES (1, ?)
			ON CONFLICT (id) DO UPDATE SET
				access_token_validity_ms = MAX(access_token_validity_ms, excluded.access_token_validity_ms)`,
			v.Milliseconds())
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *tenantsRepo) DeleteOverride(ctx context.Context, addr domain.TenantAddress) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tenant_overrides
		WHERE cud = ? AND app_id = ? AND tenant_id = ?`,
		addr.ConnectionURIDomain, addr.AppID, addr.TenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *tenantsRepo) ListDescendants(ctx context.Context, addr domain.TenantAddress) ([]domain.TenantOverrideRecord, error) {
	// Tenants are leaves; everything under a domain shares its cud, everything
	// under an app additionally shares its app id.
	query := `
		SELECT cud, app_id, tenant_id, override, created_at, updated_at
		FROM tenant_overrides
		WHERE cud = ? AND NOT (app_id = ? AND tenant_id = ?)`
	args := []any{addr.ConnectionURIDomain, addr.AppID, addr.TenantID}

	switch addr.Kind() {
	case domain.EntityConnectionURIDomain:
		// query as is
	case domain.EntityApp:
		query += ` AND app_id = ?`
		args = append(args, addr.AppID)
	default:
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TenantOverrideRecord
	for rows.Next() {
		var rec domain.TenantOverrideRecord
		var raw []byte
		if err := rows.Scan(
			&rec.Address.ConnectionURIDomain, &rec.Address.AppID, &rec.Address.TenantID,
			&raw, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		override, err := decodeOverride(raw)
		if err != nil {
			return nil, err
		}
		rec.Override = override
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *tenantsRepo) AddUserToTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tenant_users (cud, app_id, tenant_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		addr.ConnectionURIDomain, addr.AppID, addr.TenantID, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (r *tenantsRepo) RemoveUserFromTenant(ctx context.Context, addr domain.TenantAddress, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tenant_users
		WHERE cud = ? AND app_id = ? AND tenant_id = ? AND user_id = ?`,
		addr.ConnectionURIDomain, addr.AppID, addr.TenantID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *tenantsRepo) ListTenantsForUser(ctx context.Context, userID string) ([]domain.TenantAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cud, app_id, tenant_id
		FROM tenant_users
		WHERE user_id = ?
		ORDER BY cud, app_id, tenant_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TenantAddress
	for rows.Next() {
		var addr domain.TenantAddress
		if err := rows.Scan(&addr.ConnectionURIDomain, &addr.AppID, &addr.TenantID); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func (r *tenantsRepo) MaxAccessTokenValidity(ctx context.Context) (time.Duration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(access_token_validity_ms), 0)
		FROM config_watermarks`)

	var ms int64
	if err := row.Scan(&ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
