package webhook_config

import (
	"time"

	"github.com/NordCoder/Herald/internal/config"
	intoutbox "github.com/NordCoder/Herald/internal/outbox"
	"github.com/NordCoder/Herald/internal/services/conversation"
	"github.com/NordCoder/Herald/internal/services/webhook"
)

type Server struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Config struct {
	config.Common `mapstructure:",squash"`

	Kafka        config.Kafka        `mapstructure:"kafka"`
	Redis        config.Redis        `mapstructure:"redis"`
	RateLimit    config.RateLimit    `mapstructure:"ratelimit"`
	Webhook      webhook.Config      `mapstructure:"webhook"`
	Conversation conversation.Config `mapstructure:"conversation"`
	Outbox       intoutbox.Config    `mapstructure:"outbox"`
	Server       Server              `mapstructure:"server"`
}
