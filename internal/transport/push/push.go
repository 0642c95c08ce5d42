// Package push delivers notifications through an HTTP push gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/transport/httpx"
)

var (
	_ channel.Transport = (*Transport)(nil)
	_ channel.Validator = (*Transport)(nil)
)

type Transport struct {
	client *http.Client
}

func New(client *http.Client) *Transport { return &Transport{client: client} }

func (t *Transport) Type() channel.Type { return channel.TypePush }

// Validate requires config.endpoint; config.api_key is optional.
func (t *Transport) Validate(ch *channel.Channel) error {
	if ch.Config.String("endpoint") == "" {
		return errors.New("push channel needs config.endpoint")
	}
	return nil
}

type request struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type response struct {
	ID string `json:"id"`
}

func (t *Transport) Send(ctx context.Context, rcpt channel.Recipient, content channel.Content, ch *channel.Channel) (channel.Result, error) {
	if rcpt.Address == "" {
		return channel.Result{}, channel.Permanent("no_address", channel.ErrNoAddress)
	}
	if err := t.Validate(ch); err != nil {
		return channel.Result{}, channel.Permanent("config", err)
	}

	body, err := json.Marshal(request{Token: rcpt.Address, Title: content.Subject, Body: content.Body})
	if err != nil {
		return channel.Result{}, channel.Permanent("encode", err)
	}
	endpoint := strings.TrimRight(ch.Config.String("endpoint"), "/") + "/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, channel.Permanent("request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := ch.Config.String("api_key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return channel.Result{}, httpx.ClassifyDo(err)
	}
	defer resp.Body.Close()

	if err := httpx.Classify(resp); err != nil {
		return channel.Result{}, err
	}
	var out response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return channel.Result{ProviderMessageID: out.ID}, nil
}
