package memory

import (
	"context"
	"sort"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type signingKeysRepo struct {
	run func(func(st *state) error) error
}

// newestKey returns the most recently created key. KIDs are ULIDs, so ties
// on CreatedAt break deterministically by kid.
func newestKey(st *state) (domain.SigningKey, bool) {
	var newest domain.SigningKey
	found := false
	for _, k := range st.signingKeys {
		if !found || k.CreatedAt.After(newest.CreatedAt) ||
			(k.CreatedAt.Equal(newest.CreatedAt) && k.KID > newest.KID) {
			newest = k
			found = true
		}
	}
	return newest, found
}

func (r *signingKeysRepo) InsertSigningKeyIfNewest(ctx context.Context, key domain.SigningKey, afterKID string) (domain.SigningKey, bool, error) {
	var (
		result   domain.SigningKey
		inserted bool
	)
	err := r.run(func(st *state) error {
		newest, found := newestKey(st)
		if found && newest.KID != afterKID {
			// Someone else rotated first; hand back their key.
			result = newest
			return nil
		}
		if !found && afterKID != "" {
			return store.ErrConflict
		}
		st.signingKeys[key.KID] = key
		result = key
		inserted = true
		return nil
	})
	return result, inserted, err
}

func (r *signingKeysRepo) GetSigningKey(ctx context.Context, kid string) (domain.SigningKey, error) {
	var out domain.SigningKey
	err := r.run(func(st *state) error {
		k, ok := st.signingKeys[kid]
		if !ok {
			return store.ErrNotFound
		}
		out = k
		return nil
	})
	return out, err
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error) {
	var out []domain.SigningKey
	err := r.run(func(st *state) error {
		for _, k := range st.signingKeys {
			out = append(out, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].KID > out[j].KID
	})
	return out, nil
}

func (r *signingKeysRepo) DeleteSigningKeysBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var deleted []string
	err := r.run(func(st *state) error {
		newest, found := newestKey(st)
		for kid, k := range st.signingKeys {
			if found && kid == newest.KID {
				continue
			}
			if k.CreatedAt.Before(cutoff) {
				delete(st.signingKeys, kid)
				deleted = append(deleted, kid)
			}
		}
		return nil
	})
	return deleted, err
}
