package memory

import (
	"context"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/conversation"
)

var _ conversation.Repo = (*SessionRepo)(nil)

type SessionRepo struct{ s *Store }

func (r *SessionRepo) Get(_ context.Context, key conversation.Key) (*conversation.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ss, ok := r.s.sessions[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(ss), nil
}

func (r *SessionRepo) Save(_ context.Context, ss *conversation.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.sessions[ss.Key]
	switch {
	case ss.Version == 0 && ok:
		return domain.ErrConflict
	case ss.Version != 0 && (!ok || cur.Version != ss.Version):
		return domain.ErrConflict
	}
	ss.Version++
	if ss.UpdatedAt.IsZero() {
		ss.UpdatedAt = r.s.now()
	}
	r.s.sessions[ss.Key] = cloneSession(ss)
	return nil
}
