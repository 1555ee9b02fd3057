package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type signingKeysRepo struct {
	db dbtx
}

// KIDs are ULIDs, so ties on created_at break deterministically by kid.
const newestKIDQuery = `
	SELECT kid FROM signing_keys
	ORDER BY created_at DESC, kid DESC
	LIMIT 1`

func (r *signingKeysRepo) InsertSigningKeyIfNewest(ctx context.Context, key domain.SigningKey, afterKID string) (domain.SigningKey, bool, error) {
	// The guarded insert is a single statement, so concurrent rotations
	// serialize inside sqlite: exactly one caller's precondition holds.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (kid, algorithm, material, created_at, valid_from)
		SELECT ?, ?, ?, ?, ?
		WHERE COALESCE((`+newestKIDQuery+`), '') = ?`,
		key.KID, key.Algorithm, key.Material, key.CreatedAt, key.ValidFrom, afterKID)
	if err != nil {
		return domain.SigningKey{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.SigningKey{}, false, err
	}
	if n > 0 {
		return key, true, nil
	}

	// Someone else rotated first; hand back their key.
	var kid string
	if err := r.db.QueryRowContext(ctx, newestKIDQuery).Scan(&kid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// afterKID named a key, but the table is empty.
			return domain.SigningKey{}, false, store.ErrConflict
		}
		return domain.SigningKey{}, false, err
	}
	winner, err := r.GetSigningKey(ctx, kid)
	return winner, false, err
}

func (r *signingKeysRepo) GetSigningKey(ctx context.Context, kid string) (domain.SigningKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT kid, algorithm, material, created_at, valid_from
		FROM signing_keys
		WHERE kid = ?`,
		kid)

	var k domain.SigningKey
	if err := row.Scan(&k.KID, &k.Algorithm, &k.Material, &k.CreatedAt, &k.ValidFrom); err != nil {
		return domain.SigningKey{}, mapNotFound(err)
	}
	return k, nil
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kid, algorithm, material, created_at, valid_from
		FROM signing_keys
		ORDER BY created_at DESC, kid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SigningKey
	for rows.Next() {
		var k domain.SigningKey
		if err := rows.Scan(&k.KID, &k.Algorithm, &k.Material, &k.CreatedAt, &k.ValidFrom); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *signingKeysRepo) DeleteSigningKeysBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	// Collect first so the caller learns which kids to evict; the newest key
	// is never swept, even when it predates the cutoff.
	rows, err := r.db.QueryContext(ctx, `
		SELECT kid FROM signing_keys
		WHERE created_at < ? AND kid <> (`+newestKIDQuery+`)`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var kid string
		if err := rows.Scan(&kid); err != nil {
			return nil, err
		}
		deleted = append(deleted, kid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deleted)), ",")
	args := make([]any, len(deleted))
	for i, kid := range deleted {
		args[i] = kid
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE kid IN (`+placeholders+`)`, args...); err != nil {
		return nil, err
	}
	return deleted, nil
}
