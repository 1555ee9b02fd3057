package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type refreshTokensRepo struct {
	db dbtx
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, rec domain.RefreshTokenRecord) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO refresh_tokens
			(token_id, family_id, parent_token_id, session_handle, valid, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TokenID, rec.FamilyID, mapOptionalString(rec.ParentTokenID),
		rec.SessionHandle, rec.Valid, rec.CreatedAt, rec.ExpiresAt)
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

func (r *refreshTokensRepo) GetRefreshToken(ctx context.Context, tokenID string) (domain.RefreshTokenRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT token_id, family_id, parent_token_id, session_handle, valid, created_at, expires_at
		FROM refresh_tokens
		WHERE token_id = ?`,
		tokenID)

	var (
		rec    domain.RefreshTokenRecord
		parent sql.NullString
	)
	if err := row.Scan(
		&rec.TokenID, &rec.FamilyID, &parent, &rec.SessionHandle,
		&rec.Valid, &rec.CreatedAt, &rec.ExpiresAt,
	); err != nil {
		return domain.RefreshTokenRecord{}, mapNotFound(err)
	}

	rec.ParentTokenID = mapNullStringPtr(parent)
	return rec, nil
}

// ConsumeRefreshToken is the single-use guard: the conditional update flips
// exactly one concurrent caller's view from valid to invalid.
func (r *refreshTokensRepo) ConsumeRefreshToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET valid = FALSE
		WHERE token_id = ? AND valid = TRUE`,
		tokenID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Lost the swap: distinguish an already-consumed record from a missing one.
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE token_id = ?`, tokenID)
	var one int
	if err := row.Scan(&one); err != nil {
		return false, mapNotFound(err)
	}
	return false, nil
}

func (r *refreshTokensRepo) InvalidateFamily(ctx context.Context, familyID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET valid = FALSE WHERE family_id = ?`,
		familyID)
	return err
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, now)
	return err
}
