package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the default pub/sub channel.
const DefaultChannel = "recovery:case_transition"

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	// URL has the form redis://[:password@]host:port[/db].
	URL     string
	Channel string
	Timeout time.Duration
	Retries int
}

// Redis publishes transitions with PUBLISH.
type Redis struct {
	config RedisConfig
	client *goredis.Client
}

// NewRedis creates a Redis publisher.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &Redis{config: cfg, client: goredis.NewClient(opts)}, nil
}

func (r *Redis) Notify(ctx context.Context, t *Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal transition: %w", err)
	}

	var lastErr error
	attempts := 1 + r.config.Retries
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := backoff(ctx, i); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		pubCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		lastErr = r.client.Publish(pubCtx, r.config.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Notifier = (*Redis)(nil)
