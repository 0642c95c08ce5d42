package template

import (
	"context"
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Template struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	// ChannelType is the channel affinity; empty means any channel.
	ChannelType channel.Type `json:"channel_type,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Version     int          `json:"version"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Repo interface {
	ListActiveByName(ctx context.Context, name string) ([]*Template, error)
}
