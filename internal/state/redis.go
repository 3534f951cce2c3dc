package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed Store implementation: per-path breaker
// state lives in a Redis hash so multiple gateway replicas agree on it
// (spec.md §4.1 "durable shared counters/state... for multi-instance
// circuit breakers").
//
// Grounded on the teacher's ratelimiter.redisLimiter: a Lua script gives
// the compare-and-swap its atomicity, the same pattern the teacher uses
// for its sliding-window counter (internal/ratelimiter/ratelimiter.go).
type RedisStore struct {
	client    *redis.Client
	casScript *redis.Script
}

// casStateLua performs the compare-and-swap on the stored state and, when
// transitioning to "open", stamps openedAt so any replica can later decide
// the resetTimeout has elapsed (spec.md §9 Open Question (a), option (a)).
const casStateLua = `
local key          = KEYS[1]
local newState      = ARGV[1]
local expectedPrev  = ARGV[2]
local nowMs         = ARGV[3]

local cur = redis.call('HGET', key, 'state')
if cur == false then
  cur = 'closed'
end

if expectedPrev ~= '' and cur ~= expectedPrev then
  return {0, cur}
end
if cur == newState then
  return {0, cur}
end

redis.call('HSET', key, 'state', newState)
if newState == 'open' then
  redis.call('HSET', key, 'opened_at_ms', nowMs)
end
return {1, newState}
`

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{
		client:    redis.NewClient(opts),
		casScript: redis.NewScript(casStateLua),
	}, nil
}

func key(path string) string { return "breaker:{" + path + "}" }

func (s *RedisStore) Init(ctx context.Context, path string) error {
	err := s.client.HSetNX(ctx, key(path), "state", string(Closed)).Err()
	return wrapStoreErr("init", err)
}

func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, key(path)).Result()
	if err != nil {
		return Snapshot{}, wrapStoreErr("get", err)
	}
	snap := Snapshot{State: Closed}
	if v, ok := vals["state"]; ok && v != "" {
		snap.State = BreakerState(v)
	}
	if v, ok := vals["failures"]; ok {
		snap.Failures, _ = strconv.Atoi(v)
	}
	if v, ok := vals["half_open_pending"]; ok {
		snap.HalfOpenPending = v == "1"
	}
	if v, ok := vals["opened_at_ms"]; ok {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			snap.OpenedAt = time.UnixMilli(ms)
		}
	}
	return snap, nil
}

func (s *RedisStore) SetState(ctx context.Context, path string, newState, expectedPrev BreakerState) (bool, error) {
	res, err := s.casScript.Run(ctx, s.client, []string{key(path)},
		string(newState), string(expectedPrev), time.Now().UnixMilli()).Slice()
	if err != nil {
		return false, wrapStoreErr("set_state", err)
	}
	changed, _ := res[0].(int64)
	return changed == 1, nil
}

func (s *RedisStore) IncrementFailures(ctx context.Context, path string) (int, error) {
	n, err := s.client.HIncrBy(ctx, key(path), "failures", 1).Result()
	if err != nil {
		return 0, wrapStoreErr("increment_failures", err)
	}
	return int(n), nil
}

func (s *RedisStore) ClearFailures(ctx context.Context, path string) error {
	err := s.client.HSet(ctx, key(path), "failures", 0).Err()
	return wrapStoreErr("clear_failures", err)
}

const getSetPendingLua = `
local key = KEYS[1]
local newVal = ARGV[1]
local prior = redis.call('HGET', key, 'half_open_pending')
if prior == false then
  prior = '0'
end
redis.call('HSET', key, 'half_open_pending', newVal)
return prior
`

var getSetPendingScript = redis.NewScript(getSetPendingLua)

func (s *RedisStore) SetHalfOpenPending(ctx context.Context, path string, pending bool) (bool, error) {
	val := "0"
	if pending {
		val = "1"
	}
	res, err := getSetPendingScript.Run(ctx, s.client, []string{key(path)}, val).Result()
	if err != nil {
		return false, wrapStoreErr("set_half_open_pending", err)
	}
	prior, _ := res.(string)
	return prior == "1", nil
}
