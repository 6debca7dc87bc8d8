package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReserveScript checks and records a reservation atomically.
// KEYS[1] = window hash (e.g. "rail:ledger:agent:a-1:1700000000")
// KEYS[2] = entry index key
// ARGV[1] = amount
// ARGV[2] = ceiling
// ARGV[3] = entry id
// ARGV[4] = expire-at unix seconds
var redisReserveScript = redis.NewScript(`
local window = KEYS[1]
local index = KEYS[2]
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local id = ARGV[3]
local expireAt = tonumber(ARGV[4])

local total = tonumber(redis.call("HGET", window, "total")) or 0
if amount > ceiling or total > ceiling - amount then
    return {0, total}
end

total = redis.call("HINCRBY", window, "total", amount)
redis.call("HSET", window, "entry:" .. id, amount)
redis.call("EXPIREAT", window, expireAt)
redis.call("SET", index, window)
redis.call("EXPIREAT", index, expireAt)

return {1, total}
`)

// redisReleaseScript appends the compensating amount for one entry.
// KEYS[1] = window hash
// ARGV[1] = entry id
// Returns -1 when the entry is unknown, 0 when already released, 1 on release.
var redisReleaseScript = redis.NewScript(`
local window = KEYS[1]
local id = ARGV[1]

local amount = tonumber(redis.call("HGET", window, "entry:" .. id))
if not amount then
    return -1
end
if redis.call("HEXISTS", window, "released:" .. id) == 1 then
    return 0
end

redis.call("HINCRBY", window, "total", -amount)
redis.call("HSET", window, "released:" .. id, 1)
return 1
`)

// RedisLedger implements Ledger on Redis for deployments that share one
// ledger across many rail processes. Per-window totals live in a hash that
// expires one full window after the window closes.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger creates a ledger using client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "rail:ledger"}
}

func (l *RedisLedger) windowKey(key string, w Window) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, w.Start.Unix())
}

func (l *RedisLedger) indexKey(entryID string) string {
	return fmt.Sprintf("%s:entry:%s", l.prefix, entryID)
}

// TryReserve implements Ledger.
func (l *RedisLedger) TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	expireAt := req.Window.End().Add(req.Window.Length).Unix()
	res, err := redisReserveScript.Run(ctx, l.client,
		[]string{l.windowKey(req.Key, req.Window), l.indexKey(id)},
		req.Amount, req.Ceiling, id, expireAt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger reserve: %w", err)
	}

	granted, total, err := parseReserveResult(res)
	if err != nil {
		return nil, err
	}
	if !granted {
		return newReservation(false, "", total, req.Ceiling, req.Window), nil
	}
	return newReservation(true, id, total, req.Ceiling, req.Window), nil
}

func parseReserveResult(res any) (bool, int64, error) {
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from reserve script: %v", res)
	}
	granted, ok := results[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("invalid grant flag from reserve script: %v", results[0])
	}
	total, ok := results[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("invalid total from reserve script: %v", results[1])
	}
	return granted == 1, total, nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, entryID string) error {
	window, err := l.client.Get(ctx, l.indexKey(entryID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("redis ledger lookup: %w", err)
	}

	code, err := redisReleaseScript.Run(ctx, l.client, []string{window}, entryID).Int64()
	if err != nil {
		return fmt.Errorf("redis ledger release: %w", err)
	}
	if code < 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Total implements Ledger.
func (l *RedisLedger) Total(ctx context.Context, key string, w Window) (int64, error) {
	raw, err := l.client.HGet(ctx, l.windowKey(key, w), "total").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis ledger total: %w", err)
	}
	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis ledger total: %w", err)
	}
	return total, nil
}

// expiry is exposed for tests.
func (l *RedisLedger) expiry(ctx context.Context, key string, w Window) (time.Duration, error) {
	return l.client.TTL(ctx, l.windowKey(key, w)).Result()
}
