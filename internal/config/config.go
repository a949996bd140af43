// Package config binds the controller's environment-provided
// configuration (spec.md §6) onto a struct via struct tags, instead of
// the file-based loader this package used to have: every setting here
// governs store keys, lease TTLs, rate-limit backpressure, and retry
// policy shared across every installation the process serves.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Config is the fully-bound process configuration.
type Config struct {
	RedisURL       string `env:"REDIS_URL,required"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"automerge"`

	RedisLockTTLSeconds   int `env:"REDIS_LOCK_TTL_SECONDS" envDefault:"60"`
	RedisHeartbeatSeconds int `env:"REDIS_HEARTBEAT_SECONDS" envDefault:"15"`

	RateLimitMinRemaining    int     `env:"RATE_LIMIT_MIN_REMAINING" envDefault:"50"`
	RateLimitCooldownSeconds float64 `env:"RATE_LIMIT_COOLDOWN_SECONDS" envDefault:"60"`
	RateLimitJitterSeconds   float64 `env:"RATE_LIMIT_JITTER_SECONDS" envDefault:"15"`
	MaxBackoffSeconds        int     `env:"MAX_BACKOFF_SECONDS" envDefault:"120"`

	BackoffBaseSeconds   int     `env:"BACKOFF_BASE_SECONDS" envDefault:"5"`
	BackoffFactor        float64 `env:"BACKOFF_FACTOR" envDefault:"2.0"`
	MaxRetries           int     `env:"MAX_RETRIES" envDefault:"5"`
	MaxItemWindowSeconds int     `env:"MAX_ITEM_WINDOW_SECONDS" envDefault:"1800"`

	GitHubAPIURL  string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`
	AppID         string `env:"APP_ID,required"`
	AppPrivateKey string `env:"APP_PRIVATE_KEY,required"`
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`

	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // "json" or "console"
}

// Load binds environment variables onto a Config, applying every default
// named in spec.md §6.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
