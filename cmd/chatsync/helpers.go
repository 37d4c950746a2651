package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/redisstore"
)

// openStore builds the store selected by [default].backend. The returned close
// function releases it.
func openStore(ctx context.Context, cfg *Config) (chatsync.Store, func(), error) {
	switch cfg.Default.Backend {
	case "", "http":
		baseURL := valueOrDefault(cfg.Default.BaseURL, defaultBaseURL)
		var opts []chatsync.ClientOption
		if cfg.Auth.Token != "" {
			opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
		}
		return chatsync.NewClient(baseURL, opts...), func() {}, nil
	case "redis":
		s, err := redisstore.Open(ctx, cfg.Default.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "memory":
		return chatsync.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (valid: http, redis, memory)", cfg.Default.Backend)
	}
}

// loadIdentity loads the config and requires a signed-in identity.
func loadIdentity() (*Config, chatsync.Identity, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Identity == "" {
		return nil, "", fmt.Errorf("no identity configured; run 'chatsync init <identity>' first")
	}
	return cfg, chatsync.Identity(cfg.Auth.Identity), nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// maskRedisURL hides the password of a redis:// URL.
func maskRedisURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
