package memory

import (
	"context"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type refreshTokensRepo struct {
	run func(func(st *state) error) error
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, rec domain.RefreshTokenRecord) error {
	return r.run(func(st *state) error {
		if _, ok := st.refreshes[rec.TokenID]; ok {
			return store.ErrAlreadyExists
		}
		st.refreshes[rec.TokenID] = rec
		return nil
	})
}

func (r *refreshTokensRepo) GetRefreshToken(ctx context.Context, tokenID string) (domain.RefreshTokenRecord, error) {
	var out domain.RefreshTokenRecord
	err := r.run(func(st *state) error {
		rec, ok := st.refreshes[tokenID]
		if !ok {
			return store.ErrNotFound
		}
		out = rec
		return nil
	})
	return out, err
}

func (r *refreshTokensRepo) ConsumeRefreshToken(ctx context.Context, tokenID string) (bool, error) {
	var swapped bool
	err := r.run(func(st *state) error {
		rec, ok := st.refreshes[tokenID]
		if !ok {
			return store.ErrNotFound
		}
		if !rec.Valid {
			return nil
		}
		rec.Valid = false
		st.refreshes[tokenID] = rec
		swapped = true
		return nil
	})
	return swapped, err
}

func (r *refreshTokensRepo) InvalidateFamily(ctx context.Context, familyID string) error {
	return r.run(func(st *state) error {
		for id, rec := range st.refreshes {
			if rec.FamilyID != familyID || !rec.Valid {
				continue
			}
			rec.Valid = false
			st.refreshes[id] = rec
		}
		return nil
	})
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error {
	return r.run(func(st *state) error {
		for id, rec := range st.refreshes {
			if now.After(rec.ExpiresAt) {
				delete(st.refreshes, id)
			}
		}
		return nil
	})
}
