// Package config loads the external configuration collaborator spec.md
// §6.3 calls for: Redis connection parameters and the namespace prefix,
// plus the operational defaults (worker concurrency, tick intervals) the
// rest of the core treats as caller-supplied.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the process-wide settings loaded once at startup.
type Config struct {
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	Namespace string `envconfig:"NAMESPACE" default:"goqueue"`

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"1"`
	PopTimeout        time.Duration `envconfig:"POP_TIMEOUT" default:"1s"`
	ProcessTimeout    time.Duration `envconfig:"PROCESS_TIMEOUT" default:"30s"`

	SchedulerTick     time.Duration `envconfig:"SCHEDULER_TICK" default:"1s"`
	MaintenanceCron   string        `envconfig:"MAINTENANCE_CRON" default:"@every 1m"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":8080"`
	APIAddr     string `envconfig:"API_ADDR" default:":8081"`
	APIKey      string `envconfig:"API_KEY"`
}

// Load reads GOQUEUE_* environment variables into a Config, applying the
// struct-tag defaults for anything unset.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("goqueue", &c); err != nil {
		return nil, err
	}
	return &c, nil
}
