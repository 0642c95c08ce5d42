package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/conversation"
)

var _ conversation.Repo = (*SessionRepo)(nil)

type SessionRepo struct{ db *DB }

func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const (
	qSessionGet = `
SELECT user_id, channel, state, context, diagnostic, version, updated_at
FROM conversation_sessions
WHERE user_id = $1 AND channel = $2;`

	qSessionInsert = `
INSERT INTO conversation_sessions (user_id, channel, state, context, diagnostic, version, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, COALESCE($6, now()))
ON CONFLICT (user_id, channel) DO NOTHING
RETURNING version, updated_at;`

	qSessionUpdate = `
UPDATE conversation_sessions
SET state = $3, context = $4, diagnostic = $5, version = version + 1, updated_at = COALESCE($7, now())
WHERE user_id = $1 AND channel = $2 AND version = $6
RETURNING version, updated_at;`
)

func (r *SessionRepo) Get(ctx context.Context, key conversation.Key) (*conversation.Session, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var (
		s      conversation.Session
		chType string
		raw    []byte
	)
	if err := r.db.execQueryer(ctx).QueryRow(ctx, qSessionGet, key.UserID, string(key.Channel)).
		Scan(&s.Key.UserID, &chType, &s.State, &raw, &s.Diagnostic, &s.Version, &s.UpdatedAt); err != nil {
		return nil, mapErr("get session", err)
	}
	s.Key.Channel = channel.Type(chType)
	if err := decodeJSON(raw, &s.Context); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save reports ErrConflict when another writer got there first.
func (r *SessionRepo) Save(ctx context.Context, s *conversation.Session) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	raw, err := encodeJSON(s.Context)
	if err != nil {
		return err
	}
	updatedAt := nullTime(s.UpdatedAt)

	eq := r.db.execQueryer(ctx)
	var row pgx.Row
	if s.Version == 0 {
		row = eq.QueryRow(ctx, qSessionInsert, s.Key.UserID, string(s.Key.Channel), s.State, raw, s.Diagnostic, updatedAt)
	} else {
		row = eq.QueryRow(ctx, qSessionUpdate, s.Key.UserID, string(s.Key.Channel), s.State, raw, s.Diagnostic, s.Version, updatedAt)
	}
	if err := row.Scan(&s.Version, &s.UpdatedAt); err != nil {
		if err = mapErr("save session", err); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("save session: %w", ErrConflict)
		}
		return err
	}
	return nil
}
