package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix = "security:attempts:"
	blockedIPsKey    = "security:blocked_ips"
)

// Store keeps attempt counters and the IP blocklist.
type Store interface {
	// AddAttempt appends a failure at the given time and keeps the key alive for ttl.
	AddAttempt(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	// CountAttempts purges entries older than since and counts the rest.
	CountAttempts(ctx context.Context, key string, since time.Time) (int, error)
	ClearAttempts(ctx context.Context, key string) error

	SetBlock(ctx context.Context, ip string, until time.Time) error
	// BlockExpiry returns the stored expiry for ip, if any.
	BlockExpiry(ctx context.Context, ip string) (time.Time, bool, error)
	RemoveBlock(ctx context.Context, ips ...string) error
	AllBlocks(ctx context.Context) (map[string]time.Time, error)
}

// RedisStore implements Store with a sorted set per (identifier, IP) and a
// single hash for blocked addresses.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// AddAttempt implements Store.
func (s *RedisStore) AddAttempt(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMicro()), Member: uuid.NewString()})
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("security: add attempt: %w", err)
	}
	return nil
}

// CountAttempts implements Store. Entries scored exactly at since are kept.
func (s *RedisStore) CountAttempts(ctx context.Context, key string, since time.Time) (int, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(since.UnixMicro(), 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("security: count attempts: %w", err)
	}
	return int(card.Val()), nil
}

// ClearAttempts implements Store.
func (s *RedisStore) ClearAttempts(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("security: clear attempts: %w", err)
	}
	return nil
}

// SetBlock implements Store.
func (s *RedisStore) SetBlock(ctx context.Context, ip string, until time.Time) error {
	if err := s.client.HSet(ctx, blockedIPsKey, ip, until.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("security: block ip: %w", err)
	}
	return nil
}

// BlockExpiry implements Store.
func (s *RedisStore) BlockExpiry(ctx context.Context, ip string) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, blockedIPsKey, ip).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("security: read blocklist: %w", err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("security: decode block expiry for %s: %w", ip, err)
	}
	return time.UnixMilli(unix), true, nil
}

// RemoveBlock implements Store.
func (s *RedisStore) RemoveBlock(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, blockedIPsKey, ips...).Err(); err != nil {
		return fmt.Errorf("security: unblock ip: %w", err)
	}
	return nil
}

// AllBlocks implements Store. Entries with an unreadable expiry are skipped.
func (s *RedisStore) AllBlocks(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, blockedIPsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("security: list blocklist: %w", err)
	}
	out := make(map[string]time.Time, len(raw))
	for ip, v := range raw {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[ip] = time.UnixMilli(unix)
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
