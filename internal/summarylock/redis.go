package summarylock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "dispatcher:summary-lock:"

// acquireScript: KEYS[1]=lock key, ARGV = holder, now ms, staleBefore ms, ttl ms.
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'acquired_at')
if cur[1] and cur[1] ~= ARGV[1] and tonumber(cur[2]) > tonumber(ARGV[3]) then
	return 0
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// releaseScript: KEYS[1]=lock key, ARGV[1]=holder.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisBackend keeps locks as hashes and performs compare-and-set in Lua so
// multiple dispatcher replicas share one lock space. Keys also carry a
// PEXPIRE of one TTL so abandoned locks do not accumulate.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisBackend connects to addr and verifies it with PING.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackendFromClient(rdb, DefaultRedisPrefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) key(userID string) string { return b.prefix + userID }

func (b *RedisBackend) AcquireSummaryLock(ctx context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error) {
	ttl := now.Sub(staleBefore).Milliseconds()
	n, err := acquireScript.Run(ctx, b.rdb, []string{b.key(userID)},
		holderID, now.UnixMilli(), staleBefore.UnixMilli(), ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire summary lock: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.rdb, []string{b.key(userID)}, holderID).Int()
	if err != nil {
		return false, fmt.Errorf("redis release summary lock: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) GetSummaryLock(ctx context.Context, userID string) (*models.SummaryLock, error) {
	vals, err := b.rdb.HMGet(ctx, b.key(userID), "holder", "acquired_at").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get summary lock: %w", err)
	}
	holder, _ := vals[0].(string)
	acquired, _ := vals[1].(string)
	if holder == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(acquired, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis summary lock %s: bad acquired_at %q", userID, acquired)
	}
	return &models.SummaryLock{UserID: userID, HolderID: holder, AcquiredAt: time.UnixMilli(ms).UTC()}, nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error { return b.rdb.Close() }
