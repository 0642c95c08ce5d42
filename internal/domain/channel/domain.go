package channel

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeEmail   Type = "email"
	TypeChat    Type = "chat"
	TypePush    Type = "push"
	TypeWebhook Type = "webhook"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEmail, TypeChat, TypePush, TypeWebhook:
		return true
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown channel type %q", s)
	}
	return t, nil
}

// Config is the per-channel configuration blob. The engine only reads it
// through the transport that owns the channel type.
type Config map[string]any

func (c Config) String(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	Config    Config    `json:"config"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// Content is a rendered message ready for one channel type.
type Content struct {
	Subject string
	Body    string
	Format  Format
}

type Recipient struct {
	UserID  int64
	Name    string
	Address string
}

type Result struct {
	ProviderMessageID string
}
