package scheduler_config

import "github.com/NordCoder/Herald/internal/config"

func Load(path string) (*Config, error) {
	v := config.New(path, "scheduler")
	config.SetOutboxDefaults(v)

	v.SetDefault("sched.tick", "1m")
	v.SetDefault("sched.batch_limit", 100)
	v.SetDefault("server.metrics_addr", ":8082")

	var cfg Config
	if err := config.Finish(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
