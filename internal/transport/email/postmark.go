package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type PostmarkConfig struct {
	ServerToken  string `mapstructure:"server_token"`
	AccountToken string `mapstructure:"account_token"`
	From         string `mapstructure:"from"`
	Tag          string `mapstructure:"tag"`
}

// Postmark API error codes that will not succeed on retry.
const (
	pmInactiveRecipient = 406
	pmInvalidEmail      = 300
	pmSenderSignature   = 400
	pmInvalidJSON       = 402
)

type postmarkSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

var _ channel.Transport = (*Postmark)(nil)

type Postmark struct {
	client postmarkSender
	cfg    PostmarkConfig
}

func NewPostmark(cfg PostmarkConfig) (*Postmark, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark: server token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("postmark: sender address is required")
	}
	return &Postmark{client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg: cfg}, nil
}

func (p *Postmark) Type() channel.Type { return channel.TypeEmail }

func (p *Postmark) Send(ctx context.Context, rcpt channel.Recipient, content channel.Content, ch *channel.Channel) (channel.Result, error) {
	if rcpt.Address == "" {
		return channel.Result{}, channel.Permanent("no_address", channel.ErrNoAddress)
	}
	from := p.cfg.From
	if ch != nil && ch.Config.String("from") != "" {
		from = ch.Config.String("from")
	}

	msg := postmark.Email{
		From:    from,
		To:      rcpt.Address,
		Subject: content.Subject,
		Tag:     p.cfg.Tag,
	}
	if content.Format == channel.FormatHTML {
		msg.HTMLBody = content.Body
	} else {
		msg.TextBody = content.Body
	}

	resp, err := p.client.SendEmail(ctx, msg)
	if err != nil {
		return channel.Result{}, channel.Retryable("postmark_request", err)
	}
	if err := classifyPostmark(resp); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{ProviderMessageID: resp.MessageID}, nil
}

func classifyPostmark(resp postmark.EmailResponse) error {
	if resp.ErrorCode == 0 {
		return nil
	}
	code := fmt.Sprintf("postmark_%d", resp.ErrorCode)
	err := fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message)
	switch resp.ErrorCode {
	case pmInvalidEmail, pmInactiveRecipient, pmSenderSignature, pmInvalidJSON:
		return channel.Permanent(code, err)
	}
	return channel.Retryable(code, err)
}
