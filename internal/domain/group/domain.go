package group

import (
	"context"
	"time"
)

type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

type Repo interface {
	GetByID(ctx context.Context, id int64) (*Group, error)
}
