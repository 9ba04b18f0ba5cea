package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-state collaborator backing circuit records,
// rate-limit counters, sticky bindings and the instructions cache across
// multiple gateway replicas. Fixed-window increments, the rolling window,
// the concurrency check-and-add and the circuit compare-and-set each run
// as a single server-side Lua script; sticky bindings, instructions, the
// unconditional circuit write and the concurrency release are plain
// commands.
type RedisStore struct {
	rdb *redis.Client

	incrScript       *redis.Script
	rollingScript    *redis.Script
	concurrScript    *redis.Script
	casCircuitScript *redis.Script
}

// NewRedisStore connects to the redis instance at url (a standard
// redis:// DSN).
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	return &RedisStore{
		rdb:              rdb,
		incrScript:       redis.NewScript(incrFixedWindowLua),
		rollingScript:    redis.NewScript(rollingSumLua),
		concurrScript:    redis.NewScript(checkAndIncrConcurrencyLua),
		casCircuitScript: redis.NewScript(casCircuitLua),
	}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// incrFixedWindowLua atomically increments a scalar counter, establishing
// its TTL only on first write in the period (KEYS[1]=key, ARGV[1]=amount,
// ARGV[2]=ttlSeconds).
const incrFixedWindowLua = `
local exists = redis.call("EXISTS", KEYS[1])
local value = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if exists == 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return value
`

func (s *RedisStore) IncrFixedWindow(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	v, err := s.incrScript.Run(ctx, s.rdb, []string{key}, amount, int(ttl.Seconds())).Result()
	if err != nil {
		return 0, err
	}
	return parseFloat(v)
}

func (s *RedisStore) GetFixedWindow(ctx context.Context, key string) (float64, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseFloat(v)
}

// rollingSumLua implements the 5h rolling window as a ZSET of
// "nanos:amount" members scored by timestamp-nanos, trimmed on every call
// (KEYS[1]=key, ARGV[1]=nowUnixNanos, ARGV[2]=cutoffUnixNanos,
// ARGV[3]=amount or "" to skip the append, ARGV[4]=windowSeconds for the
// key's own expiry).
const rollingSumLua = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if ARGV[3] ~= "" then
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[1] .. ":" .. ARGV[3])
	redis.call("EXPIRE", KEYS[1], ARGV[4])
end
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local sum = 0
for _, m in ipairs(members) do
	local amt = string.match(m, ":(.+)$")
	sum = sum + tonumber(amt)
end
return tostring(sum)
`

func (s *RedisStore) AddRolling(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) (float64, error) {
	cutoff := now.Add(-window)
	v, err := s.rollingScript.Run(ctx, s.rdb, []string{key},
		now.UnixNano(), cutoff.UnixNano(), fmt.Sprintf("%g", amount), int(window.Seconds()),
	).Result()
	if err != nil {
		return 0, err
	}
	return parseFloat(v)
}

func (s *RedisStore) SumRolling(ctx context.Context, key string, now time.Time, window time.Duration) (float64, error) {
	cutoff := now.Add(-window)
	v, err := s.rollingScript.Run(ctx, s.rdb, []string{key},
		now.UnixNano(), cutoff.UnixNano(), "", int(window.Seconds()),
	).Result()
	if err != nil {
		return 0, err
	}
	return parseFloat(v)
}

// checkAndIncrConcurrencyLua is the atomic compare-and-increment the
// spec requires for concurrency ceilings: a separate read-then-write
// would race two in-flight requests past the limit.
const checkAndIncrConcurrencyLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return 0
end
local newVal = redis.call("INCR", KEYS[1])
if newVal == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 1
`

func (s *RedisStore) CheckAndIncrConcurrency(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	v, err := s.concurrScript.Run(ctx, s.rdb, []string{key}, limit, int(ttl.Seconds())).Result()
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (s *RedisStore) DecrConcurrency(ctx context.Context, key string) error {
	n, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return s.rdb.Set(ctx, key, 0, 0).Err()
	}
	return nil
}

// --- CircuitStore ---

func (s *RedisStore) GetCircuit(ctx context.Context, providerID string) (*CircuitRecord, error) {
	v, err := s.rdb.Get(ctx, circuitKey(providerID)).Result()
	if err == redis.Nil {
		return &CircuitRecord{State: "closed"}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec CircuitRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// casCircuitLua swaps the circuit JSON only if the stored value still
// equals the expected one (ARGV[1]); ARGV[3]=1 lets an absent key match
// a caller whose expected record is the fresh closed default.
const casCircuitLua = `
local cur = redis.call("GET", KEYS[1])
if cur == false then
	if ARGV[3] == "1" then
		redis.call("SET", KEYS[1], ARGV[2])
		return 1
	end
	return 0
end
if cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`

func (s *RedisStore) CompareAndSetCircuit(ctx context.Context, providerID string, prev, next *CircuitRecord) (bool, error) {
	prevData, err := json.Marshal(prev)
	if err != nil {
		return false, err
	}
	nextData, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	matchAbsent := "0"
	if prev.Equal(&CircuitRecord{State: "closed"}) {
		matchAbsent = "1"
	}
	v, err := s.casCircuitScript.Run(ctx, s.rdb, []string{circuitKey(providerID)}, string(prevData), string(nextData), matchAbsent).Result()
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (s *RedisStore) SetCircuit(ctx context.Context, providerID string, rec *CircuitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, circuitKey(providerID), data, 0).Err()
}

func circuitKey(providerID string) string { return "circuit:" + providerID }

// --- StickyStore ---

func (s *RedisStore) GetSticky(ctx context.Context, sessionID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, stickyKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetSticky(ctx context.Context, sessionID, providerID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, stickyKey(sessionID), providerID, ttl).Err()
}

func stickyKey(sessionID string) string { return "sticky:" + sessionID }

// --- InstructionsCache ---

func (s *RedisStore) GetInstructions(ctx context.Context, providerID, model string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, instructionsKey(providerID, model)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetInstructions(ctx context.Context, providerID, model, instructions string, ttl time.Duration) error {
	return s.rdb.Set(ctx, instructionsKey(providerID, model), instructions, ttl).Err()
}

func instructionsKey(providerID, model string) string { return "instructions:" + providerID + ":" + model }

func parseFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		var f float64
		_, err := fmt.Sscanf(t, "%g", &f)
		return f, err
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("store: unexpected redis reply type %T", v)
	}
}
