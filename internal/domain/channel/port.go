package channel

import "context"

// Transport is implemented once per channel type.
type Transport interface {
	Type() Type
	Send(ctx context.Context, rcpt Recipient, content Content, ch *Channel) (Result, error)
}

// Validator is an optional capability check on a channel's config.
type Validator interface {
	Validate(ch *Channel) error
}

type Repo interface {
	GetByID(ctx context.Context, id int64) (*Channel, error)
	ActiveByType(ctx context.Context, t Type) (*Channel, error)
}
