// Package cache holds the Redis-backed catalog cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidURL = errors.New("cache: invalid redis url")
	ErrNotReady   = errors.New("cache: redis not ready")
)

const (
	connectAttempts = 3
	retryInterval   = 2 * time.Second
	connectTimeout  = 15 * time.Second
)

// Connect parses a redis:// URL and pings the server, retrying a few times
// before giving up.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
	return nil, errors.Join(ErrNotReady, fmt.Errorf("after %d attempts: %w", connectAttempts, lastErr))
}
