package dispatcher_config

import "github.com/NordCoder/Herald/internal/config"

func Load(path string) (*Config, error) {
	v := config.New(path, "dispatcher")
	config.SetRedisDefaults(v)

	v.SetDefault("kafka.group_id", "herald-dispatcher")

	v.SetDefault("dispatcher.ceiling", 5)
	v.SetDefault("dispatcher.lease_ttl", "5m")
	v.SetDefault("dispatcher.send_timeout", "15s")
	v.SetDefault("dispatcher.concurrency", 8)
	v.SetDefault("dispatcher.backoff.base", "1m")
	v.SetDefault("dispatcher.backoff.max", "1h")
	v.SetDefault("dispatcher.backoff.jitter", 0.1)

	v.SetDefault("runner.workers", 2)
	v.SetDefault("runner.tick", "5s")
	v.SetDefault("runner.batch_limit", 50)

	v.SetDefault("transports.email", "smtp")
	v.SetDefault("transports.smtp.addr", "localhost:1025")
	v.SetDefault("transports.smtp.from", "noreply@herald.dev")
	v.SetDefault("transports.smtp.use_tls", false)
	v.SetDefault("transports.smtp.timeout", "10s")
	v.SetDefault("transports.smtp.subject_prefix", "")
	v.SetDefault("transports.postmark.server_token", "")
	v.SetDefault("transports.postmark.from", "noreply@herald.dev")
	v.SetDefault("transports.telegram.token", "")
	v.SetDefault("transports.telegram.rate_per_sec", 25)
	v.SetDefault("transports.telegram.timeout", "10s")
	v.SetDefault("transports.http.timeout", "10s")
	v.SetDefault("transports.http.verify_tls", true)
	v.SetDefault("transports.http.user_agent", "Herald/1.0")

	v.SetDefault("server.metrics_addr", ":8081")
	v.SetDefault("server.grpc_addr", ":9091")
	v.SetDefault("server.health_period", "5s")

	var cfg Config
	if err := config.Finish(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
