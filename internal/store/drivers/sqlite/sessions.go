package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type sessionsRepo struct {
	db dbtx
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions
			(handle, user_id, cud, app_id, tenant_id, data, family_id, current_token_id, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Handle, s.UserID,
		s.Address.ConnectionURIDomain, s.Address.AppID, s.Address.TenantID,
		[]byte(s.Data), s.FamilyID, mapOptionalString(s.CurrentTokenID),
		s.CreatedAt, s.ExpiresAt, mapOptionalTime(s.RevokedAt))
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

func (r *sessionsRepo) GetSession(ctx context.Context, handle string) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT handle, user_id, cud, app_id, tenant_id, data, family_id, current_token_id, created_at, expires_at, revoked_at
		FROM sessions
		WHERE handle = ?`,
		handle)

	var (
		s       domain.Session
		data    []byte
		current sql.NullString
		revoked sql.NullTime
	)
	if err := row.Scan(
		&s.Handle, &s.UserID,
		&s.Address.ConnectionURIDomain, &s.Address.AppID, &s.Address.TenantID,
		&data, &s.FamilyID, &current, &s.CreatedAt, &s.ExpiresAt, &revoked,
	); err != nil {
		return domain.Session{}, mapNotFound(err)
	}

	s.Data = data
	s.CurrentTokenID = mapNullStringPtr(current)
	s.RevokedAt = mapNullTimePtr(revoked)
	return s, nil
}

func (r *sessionsRepo) UpdateSessionData(ctx context.Context, handle string, data []byte) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET data = ? WHERE handle = ?`,
		data, handle)
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

func (r *sessionsRepo) SetCurrentToken(ctx context.Context, handle string, tokenID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET current_token_id = ? WHERE handle = ?`,
		tokenID, handle)
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

func (r *sessionsRepo) RevokeSession(ctx context.Context, handle string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET revoked_at = ?, current_token_id = NULL
		WHERE handle = ? AND revoked_at IS NULL`,
		at, handle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Already revoked is a no-op; only a missing session is an error.
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE handle = ?`, handle)
	var one int
	if err := row.Scan(&one); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (r *sessionsRepo) ListSessionHandles(ctx context.Context, addr domain.TenantAddress, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT handle
		FROM sessions
		WHERE user_id = ? AND cud = ? AND app_id = ? AND tenant_id = ? AND revoked_at IS NULL
		ORDER BY created_at`,
		userID, addr.ConnectionURIDomain, addr.AppID, addr.TenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, err
		}
		out = append(out, handle)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	return err
}
