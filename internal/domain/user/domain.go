package user

import (
	"time"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type User struct {
	ID        int64                   `json:"id"`
	Name      string                  `json:"name"`
	Active    bool                    `json:"active"`
	Contacts  map[channel.Type]string `json:"contacts"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func (u *User) Address(t channel.Type) string {
	if u == nil || u.Contacts == nil {
		return ""
	}
	return u.Contacts[t]
}
