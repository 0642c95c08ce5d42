package delivery

import (
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

func (s Status) Terminal() bool { return s == StatusSent || s == StatusExhausted }

type Delivery struct {
	ID                int64        `json:"id"`
	NotificationID    int64        `json:"notification_id"`
	ChannelID         int64        `json:"channel_id"`
	ChannelType       channel.Type `json:"channel_type"`
	UserID            int64        `json:"user_id"`
	AttemptCount      int          `json:"attempt_count"`
	Status            Status       `json:"status"`
	LastError         string       `json:"last_error,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	NextAttemptAt     time.Time    `json:"next_attempt_at"`
	ClaimedAt         *time.Time   `json:"claimed_at,omitempty"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Draft is one resolved (recipient, channel) pair before it is persisted.
type Draft struct {
	UserID      int64
	ChannelID   int64
	ChannelType channel.Type
}

// Outcome is written when a claimed delivery is released.
type Outcome struct {
	Status            Status
	LastError         string
	ProviderMessageID string
	NextAttemptAt     time.Time
	// Refund gives back the attempt counted by the claim.
	Refund bool
}
