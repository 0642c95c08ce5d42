package notification

import (
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type TargetKind string

const (
	TargetUser     TargetKind = "user"
	TargetGroup    TargetKind = "group"
	TargetCategory TargetKind = "category"
)

type Target struct {
	Kind     TargetKind `json:"kind"`
	UserID   int64      `json:"user_id,omitempty"`
	GroupID  int64      `json:"group_id,omitempty"`
	Category string     `json:"category,omitempty"`
}

func UserTarget(id int64) Target { return Target{Kind: TargetUser, UserID: id} }
func GroupTarget(id int64) Target { return Target{Kind: TargetGroup, GroupID: id} }
func CategoryTarget(c string) Target { return Target{Kind: TargetCategory, Category: c} }

func (t Target) String() string {
	switch t.Kind {
	case TargetUser:
		return fmt.Sprintf("user:%d", t.UserID)
	case TargetGroup:
		return fmt.Sprintf("group:%d", t.GroupID)
	case TargetCategory:
		return "category:" + t.Category
	}
	return string(t.Kind)
}

type Source string

const (
	SourceAPI          Source = "api"
	SourceSchedule     Source = "schedule"
	SourceConversation Source = "conversation"
)

type Notification struct {
	ID              int64          `json:"id"`
	Targets         []Target       `json:"targets"`
	Category        string         `json:"category"`
	Title           string         `json:"title"`
	Template        string         `json:"template,omitempty"`
	Body            string         `json:"body,omitempty"`
	Vars            map[string]any `json:"vars,omitempty"`
	Priority        Priority       `json:"priority"`
	Channels        []channel.Type `json:"channels"`
	Status          Status         `json:"status"`
	NotBefore       time.Time      `json:"not_before"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	FannedOutAt     *time.Time     `json:"fanned_out_at,omitempty"`
	Source          Source         `json:"source"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ExpiredAt reports whether now is past the notification's expiry.
func (n *Notification) ExpiredAt(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

func (n *Notification) Urgent() bool { return n.Priority == PriorityUrgent }

type Clock interface {
	Now() time.Time
}
