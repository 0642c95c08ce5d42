package schedule

import (
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/notification"
)

type Schedule struct {
	ID          int64                 `json:"id"`
	Name        string                `json:"name"`
	Cron        string                `json:"cron"`
	Template    string                `json:"template"`
	Title       string                `json:"title"`
	Targets     []notification.Target `json:"targets"`
	Channels    []channel.Type        `json:"channels"`
	Category    string                `json:"category"`
	Priority    notification.Priority `json:"priority"`
	Vars        map[string]any        `json:"vars,omitempty"`
	TTL         time.Duration         `json:"ttl"`
	Active      bool                  `json:"active"`
	LastFiredAt *time.Time            `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Base is the instant the next fire is computed from.
func (s *Schedule) Base() time.Time {
	if s.LastFiredAt != nil {
		return *s.LastFiredAt
	}
	return s.CreatedAt
}
