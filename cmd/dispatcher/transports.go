package main

import (
	"fmt"

	"go.uber.org/zap"

	config "github.com/NordCoder/Herald/internal/config/dispatcher"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/transport"
	"github.com/NordCoder/Herald/internal/transport/email"
	"github.com/NordCoder/Herald/internal/transport/httpx"
	"github.com/NordCoder/Herald/internal/transport/push"
	"github.com/NordCoder/Herald/internal/transport/telegram"
	"github.com/NordCoder/Herald/internal/transport/webhook"
)

func buildTransports(cfg config.Transports, l *zap.Logger) (*transport.Registry, error) {
	client := httpx.NewClient(cfg.HTTP)

	var mail channel.Transport
	switch cfg.Email {
	case "postmark":
		pm, err := email.NewPostmark(cfg.Postmark)
		if err != nil {
			return nil, err
		}
		mail = pm
	case "", "smtp":
		mail = email.NewSMTP(cfg.SMTP, l)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email)
	}

	return transport.NewRegistry(
		mail,
		telegram.New(cfg.Telegram, client),
		push.New(client),
		webhook.New(client),
	), nil
}
