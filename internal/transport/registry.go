// Package transport holds the channel transports and the registry the
// dispatcher looks them up in.
package transport

import (
	"fmt"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Registry struct {
	byType map[channel.Type]channel.Transport
}

func NewRegistry(ts ...channel.Transport) *Registry {
	r := &Registry{byType: make(map[channel.Type]channel.Transport, len(ts))}
	for _, t := range ts {
		r.byType[t.Type()] = t
	}
	return r
}

func (r *Registry) Get(t channel.Type) (channel.Transport, bool) {
	tr, ok := r.byType[t]
	return tr, ok
}

func (r *Registry) Types() []channel.Type {
	out := make([]channel.Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// Validate runs the transport's capability check when it has one.
func (r *Registry) Validate(ch *channel.Channel) error {
	tr, ok := r.byType[ch.Type]
	if !ok {
		return fmt.Errorf("no transport for channel type %q", ch.Type)
	}
	if v, ok := tr.(channel.Validator); ok {
		return v.Validate(ch)
	}
	return nil
}
