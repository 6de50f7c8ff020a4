package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// DatabaseURL selects the backlog store: a Postgres DSN, or empty for
	// the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RoomIdleTTL time.Duration `env:"ROOM_IDLE_TTL" envDefault:"30m"`
	SendBuffer  int           `env:"WS_SEND_BUFFER" envDefault:"16"`
	Debug       bool          `env:"DEBUG" envDefault:"false"`
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
