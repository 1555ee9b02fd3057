package memory

import (
	"context"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/store"
)

type sessionsRepo struct {
	run func(func(st *state) error) error
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	return r.run(func(st *state) error {
		if _, ok := st.sessions[s.Handle]; ok {
			return store.ErrAlreadyExists
		}
		st.sessions[s.Handle] = s
		return nil
	})
}

func (r *sessionsRepo) GetSession(ctx context.Context, handle string) (domain.Session, error) {
	var out domain.Session
	err := r.run(func(st *state) error {
		s, ok := st.sessions[handle]
		if !ok {
			return store.ErrNotFound
		}
		out = s
		return nil
	})
	return out, err
}

func (r *sessionsRepo) UpdateSessionData(ctx context.Context, handle string, data []byte) error {
	return r.run(func(st *state) error {
		s, ok := st.sessions[handle]
		if !ok {
			return store.ErrNotFound
		}
		s.Data = append([]byte(nil), data...)
		st.sessions[handle] = s
		return nil
	})
}

func (r *sessionsRepo) SetCurrentToken(ctx context.Context, handle string, tokenID string) error {
	return r.run(func(st *state) error {
		s, ok := st.sessions[handle]
		if !ok {
			return store.ErrNotFound
		}
		id := tokenID
		s.CurrentTokenID = &id
		st.sessions[handle] = s
		return nil
	})
}

func (r *sessionsRepo) RevokeSession(ctx context.Context, handle string, at time.Time) error {
	return r.run(func(st *state) error {
		s, ok := st.sessions[handle]
		if !ok {
			return store.ErrNotFound
		}
		if s.RevokedAt != nil {
			return nil
		}
		revokedAt := at
		s.RevokedAt = &revokedAt
		s.CurrentTokenID = nil
		st.sessions[handle] = s
		return nil
	})
}

func (r *sessionsRepo) ListSessionHandles(ctx context.Context, addr domain.TenantAddress, userID string) ([]string, error) {
	var out []string
	err := r.run(func(st *state) error {
		for handle, s := range st.sessions {
			if s.UserID != userID || s.Address != addr {
				continue
			}
			if s.RevokedAt != nil {
				continue
			}
			out = append(out, handle)
		}
		return nil
	})
	return out, err
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	return r.run(func(st *state) error {
		for handle, s := range st.sessions {
			if now.After(s.ExpiresAt) {
				delete(st.sessions, handle)
			}
		}
		return nil
	})
}
