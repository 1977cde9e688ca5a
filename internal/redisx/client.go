// Package redisx builds the optional Redis client used by the timeline relay.
package redisx

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis client.
type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLSEnabled  bool
	TLSInsecure bool
	// ClientName is reported by CLIENT LIST so relay peers can be told apart.
	ClientName string
	// PingTimeout bounds the startup connectivity check; 5s when zero.
	PingTimeout time.Duration
}

// NewClient returns a connected Redis client, or nil when no address is configured.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "icgl-console"
	}

	opts := &redis.UniversalOptions{
		Addrs:       []string{cfg.Addr},
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		ClientName:  cfg.ClientName,
		DialTimeout: cfg.PingTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure, // #nosec G402 opt-in via REDIS_TLS_INSECURE_SKIP_VERIFY
		}
	}

	client := redis.NewUniversalClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr, err)
	}
	return client, nil
}
