package dispatcher_config

import (
	"time"

	"github.com/NordCoder/Herald/internal/config"
	"github.com/NordCoder/Herald/internal/services/dispatcher"
	"github.com/NordCoder/Herald/internal/transport/email"
	"github.com/NordCoder/Herald/internal/transport/httpx"
	"github.com/NordCoder/Herald/internal/transport/telegram"
)

type Server struct {
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	HealthPeriod time.Duration `mapstructure:"health_period"`
}

type Transports struct {
	// Email selects the email provider: smtp or postmark.
	Email    string               `mapstructure:"email"`
	SMTP     email.SMTPConfig     `mapstructure:"smtp"`
	Postmark email.PostmarkConfig `mapstructure:"postmark"`
	Telegram telegram.Config      `mapstructure:"telegram"`
	HTTP     httpx.Config         `mapstructure:"http"`
}

type Config struct {
	config.Common `mapstructure:",squash"`

	Kafka      config.Kafka            `mapstructure:"kafka"`
	Redis      config.Redis            `mapstructure:"redis"`
	RateLimit  config.RateLimit        `mapstructure:"ratelimit"`
	Dispatcher dispatcher.Config       `mapstructure:"dispatcher"`
	Runner     dispatcher.RunnerConfig `mapstructure:"runner"`
	Transports Transports              `mapstructure:"transports"`
	Server     Server                  `mapstructure:"server"`
}
