package user

import (
	"context"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Repo interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	// ListByIDs returns the users that exist, in id order.
	ListByIDs(ctx context.Context, ids []int64) ([]*User, error)
	GetByContact(ctx context.Context, t channel.Type, address string) (*User, error)
}
