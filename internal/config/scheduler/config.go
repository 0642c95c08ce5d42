package scheduler_config

import (
	"github.com/NordCoder/Herald/internal/config"
	intoutbox "github.com/NordCoder/Herald/internal/outbox"
	"github.com/NordCoder/Herald/internal/services/scheduler"
)

type Server struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type Config struct {
	config.Common `mapstructure:",squash"`

	Kafka  config.Kafka           `mapstructure:"kafka"`
	Sched  scheduler.RunnerConfig `mapstructure:"sched"`
	Outbox intoutbox.Config       `mapstructure:"outbox"`
	Server Server                 `mapstructure:"server"`
}
