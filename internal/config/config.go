package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":3000"`
	APIKey        string `env:"API_KEY,notEmpty"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	QueueName      string        `env:"QUEUE_NAME" envDefault:"appointments"`
	ConnectTimeout time.Duration `env:"QUEUE_CONNECT_TIMEOUT" envDefault:"5s"`
	KeepCompleted  int64         `env:"QUEUE_KEEP_COMPLETED" envDefault:"10"`
	KeepFailed     int64         `env:"QUEUE_KEEP_FAILED" envDefault:"5"`

	MaxAttempts int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase time.Duration `env:"JOB_BACKOFF_BASE" envDefault:"2s"`

	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	BlockInterval   time.Duration `env:"WORKER_BLOCK_INTERVAL" envDefault:"2s"`
	JanitorInterval time.Duration `env:"WORKER_JANITOR_INTERVAL" envDefault:"1s"`
	ActiveTTL       time.Duration `env:"WORKER_ACTIVE_TTL" envDefault:"5m"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
