package shared

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockKey builds redis keys for short-lived critical sections.
func LockKey(parts ...string) string {
	return strings.Join(append(parts, "lock"), ":")
}

// TryLock acquires key for ttl if nobody holds it. It never blocks.
func TryLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (bool, error) {
	if client == nil {
		return false, fmt.Errorf("shared: lock %s: redis client missing", key)
	}
	ok, err := client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("shared: lock %s: %w", key, err)
	}
	return ok, nil
}
