// Package config reads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string `env:"WARGAME_ADDR" envDefault:":8080"`
	RedisURL    string `env:"WARGAME_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseURL string `env:"WARGAME_DATABASE_URL"`
	CatalogFile string `env:"WARGAME_CATALOG_FILE" envDefault:"configs/catalog.yaml"`
	JWTSecret   string `env:"WARGAME_JWT_SECRET,required"`

	TurnDuration  time.Duration `env:"WARGAME_TURN_DURATION"  envDefault:"10m"`
	TimerGrace    time.Duration `env:"WARGAME_TIMER_GRACE"    envDefault:"5s"`
	TimerInterval time.Duration `env:"WARGAME_TIMER_INTERVAL" envDefault:"1s"`

	AllowedOrigins []string      `env:"WARGAME_ALLOWED_ORIGINS" envSeparator:","`
	MessageRate    float64       `env:"WARGAME_MESSAGE_RATE"    envDefault:"20"`
	MessageBurst   int           `env:"WARGAME_MESSAGE_BURST"   envDefault:"40"`
	OutboxSize     int           `env:"WARGAME_OUTBOX_SIZE"     envDefault:"64"`
	WriteTimeout   time.Duration `env:"WARGAME_WRITE_TIMEOUT"   envDefault:"3s"`
	PingInterval   time.Duration `env:"WARGAME_PING_INTERVAL"   envDefault:"30s"`
	ReplyErrors    bool          `env:"WARGAME_REPLY_ERRORS"    envDefault:"false"`

	LogLevel       string `env:"WARGAME_LOG_LEVEL"       envDefault:"info"`
	LogDevelopment bool   `env:"WARGAME_LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads the given dotenv files (default ".env") if they exist, then
// parses the environment. Variables already set win over the files.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.TurnDuration <= 0:
		return errors.New("WARGAME_TURN_DURATION must be positive")
	case c.TimerInterval <= 0:
		return errors.New("WARGAME_TIMER_INTERVAL must be positive")
	case c.TimerGrace < 0:
		return errors.New("WARGAME_TIMER_GRACE must not be negative")
	case c.MessageRate <= 0 || c.MessageBurst <= 0:
		return errors.New("WARGAME_MESSAGE_RATE and WARGAME_MESSAGE_BURST must be positive")
	case c.OutboxSize <= 0:
		return errors.New("WARGAME_OUTBOX_SIZE must be positive")
	}
	return nil
}
