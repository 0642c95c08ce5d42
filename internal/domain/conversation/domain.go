package conversation

import (
	"context"
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

const StateIdle = "idle"

type Key struct {
	UserID  int64        `json:"user_id"`
	Channel channel.Type `json:"channel"`
}

type Session struct {
	Key        Key            `json:"key"`
	State      string         `json:"state"`
	Context    map[string]any `json:"context"`
	Diagnostic string         `json:"diagnostic,omitempty"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventCommand  EventKind = "command"
	EventCallback EventKind = "callback"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	Command string    `json:"command,omitempty"`
	Text    string    `json:"text,omitempty"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

type Repo interface {
	Get(ctx context.Context, key Key) (*Session, error)
	// Save inserts a session with Version 0 and otherwise updates it only if
	// the stored version still matches. The version is bumped on success.
	Save(ctx context.Context, s *Session) error
}
