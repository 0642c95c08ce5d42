// Package webhook delivers notifications as signed JSON posts and verifies
// the same signature scheme on inbound requests.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/transport/httpx"
)

var (
	_ channel.Transport = (*Transport)(nil)
	_ channel.Validator = (*Transport)(nil)
)

type Transport struct {
	client *http.Client
	now    func() time.Time
}

func New(client *http.Client) *Transport {
	return &Transport{client: client, now: time.Now}
}

func (t *Transport) Type() channel.Type { return channel.TypeWebhook }

// Validate requires a signing secret on the channel.
func (t *Transport) Validate(ch *channel.Channel) error {
	if ch.Config.String("secret") == "" {
		return errors.New("webhook channel needs config.secret")
	}
	return nil
}

type payload struct {
	ID      string         `json:"id"`
	UserID  int64          `json:"user_id"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Format  channel.Format `json:"format"`
	SentAt  time.Time      `json:"sent_at"`
}

func (t *Transport) Send(ctx context.Context, rcpt channel.Recipient, content channel.Content, ch *channel.Channel) (channel.Result, error) {
	if rcpt.Address == "" {
		return channel.Result{}, channel.Permanent("no_address", channel.ErrNoAddress)
	}
	if u, err := url.Parse(rcpt.Address); err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return channel.Result{}, channel.Permanent("bad_url", fmt.Errorf("webhook url %q is not http(s)", rcpt.Address))
	}

	now := t.now().UTC()
	id := uuid.NewString()
	body, err := json.Marshal(payload{
		ID:      id,
		UserID:  rcpt.UserID,
		Subject: content.Subject,
		Body:    content.Body,
		Format:  content.Format,
		SentAt:  now,
	})
	if err != nil {
		return channel.Result{}, channel.Permanent("encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rcpt.Address, bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, channel.Permanent("request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, id)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign([]byte(ch.Config.String("secret")), now, body))

	resp, err := t.client.Do(req)
	if err != nil {
		return channel.Result{}, httpx.ClassifyDo(err)
	}
	defer resp.Body.Close()

	if err := httpx.Classify(resp); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{ProviderMessageID: id}, nil
}
