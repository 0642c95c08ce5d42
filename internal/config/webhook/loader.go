package webhook_config

import "github.com/NordCoder/Herald/internal/config"

func Load(path string) (*Config, error) {
	v := config.New(path, "webhook")
	config.SetRedisDefaults(v)
	config.SetOutboxDefaults(v)

	v.SetDefault("webhook.telegram_secret", "")
	v.SetDefault("webhook.events_secret", "")
	v.SetDefault("webhook.max_age", "5m")
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("conversation.session_ttl", "30m")
	v.SetDefault("conversation.max_retries", 3)

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":8083")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")

	var cfg Config
	if err := config.Finish(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
