package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type stubTransport struct{ t channel.Type }

func (s stubTransport) Type() channel.Type { return s.t }
func (s stubTransport) Send(context.Context, channel.Recipient, channel.Content, *channel.Channel) (channel.Result, error) {
	return channel.Result{}, nil
}

type validatingTransport struct{ stubTransport }

func (validatingTransport) Validate(ch *channel.Channel) error {
	if ch.Config.String("key") == "" {
		return errors.New("missing key")
	}
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubTransport{channel.TypePush}, validatingTransport{stubTransport{channel.TypeWebhook}})

	_, ok := r.Get(channel.TypePush)
	assert.True(t, ok)
	_, ok = r.Get(channel.TypeEmail)
	assert.False(t, ok)
	assert.ElementsMatch(t, []channel.Type{channel.TypePush, channel.TypeWebhook}, r.Types())

	require.NoError(t, r.Validate(&channel.Channel{Type: channel.TypePush}))
	require.Error(t, r.Validate(&channel.Channel{Type: channel.TypeWebhook}))
	require.NoError(t, r.Validate(&channel.Channel{Type: channel.TypeWebhook, Config: channel.Config{"key": "v"}}))
	require.Error(t, r.Validate(&channel.Channel{Type: channel.TypeEmail}))
}
