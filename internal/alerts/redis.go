package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeguard/pkg/utils"
)

// Redis-реализации счётчиков, дедупликации и буфера сводок.
// Нужны, когда сервис запущен в нескольких экземплярах.

const redisPrefix = "tg:alerts:"

// ============================================================
// Throttle
// ============================================================

// throttleScript атомарно проверяет оба окна и увеличивает счётчики.
// KEYS: час, сутки. ARGV: max/час, max/сутки, ttl часа (ms), ttl суток (ms).
var throttleScript = redis.NewScript(`
local h = tonumber(redis.call('GET', KEYS[1]) or '0')
local d = tonumber(redis.call('GET', KEYS[2]) or '0')
local mh = tonumber(ARGV[1])
local md = tonumber(ARGV[2])
if (mh > 0 and h >= mh) or (md > 0 and d >= md) then
  return 0
end
if redis.call('INCR', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
if redis.call('INCR', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// RedisThrottle - Throttle поверх Redis
type RedisThrottle struct {
	client redis.UniversalClient
}

func NewRedisThrottle(client redis.UniversalClient) *RedisThrottle {
	return &RedisThrottle{client: client}
}

func (t *RedisThrottle) keys(userID string, limits ThrottleLimits, now time.Time) (string, string, time.Duration, time.Duration) {
	h := hourStart(now, limits.Location)
	d := utils.DayStartIn(now, limits.Location)
	hourKey := fmt.Sprintf("%sthrottle:%s:h:%d", redisPrefix, userID, h.Unix())
	dayKey := fmt.Sprintf("%sthrottle:%s:d:%d", redisPrefix, userID, d.Unix())
	// запас сверх длины окна на расхождение часов
	hourTTL := h.Add(time.Hour).Sub(now) + time.Minute
	dayTTL := utils.NextDayStartIn(now, limits.Location).Sub(now) + time.Minute
	return hourKey, dayKey, hourTTL, dayTTL
}

func (t *RedisThrottle) Peek(ctx context.Context, userID string, limits ThrottleLimits, now time.Time) (bool, error) {
	if limits.unlimited() {
		return false, nil
	}
	hk, dk, _, _ := t.keys(userID, limits, now)
	vals, err := t.client.MGet(ctx, hk, dk).Result()
	if err != nil {
		return false, fmt.Errorf("throttle peek: %w", err)
	}
	return limits.reached(redisInt(vals[0]), redisInt(vals[1])), nil
}

func (t *RedisThrottle) Acquire(ctx context.Context, userID string, limits ThrottleLimits, now time.Time) error {
	hk, dk, hTTL, dTTL := t.keys(userID, limits, now)
	res, err := throttleScript.Run(ctx, t.client, []string{hk, dk},
		limits.MaxPerHour, limits.MaxPerDay, hTTL.Milliseconds(), dTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("throttle acquire: %w", err)
	}
	if res == 0 {
		return ErrThrottleExceeded
	}
	return nil
}

func redisInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

// ============================================================
// Dedupe
// ============================================================

// releaseScript удаляет ключ, только если он указывает на ту же запись
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisDeduper - SET NX с TTL окна
type RedisDeduper struct {
	client redis.UniversalClient
}

func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func dedupeKey(userID, key string) string {
	return redisPrefix + "dedupe:" + userID + ":" + key
}

func (d *RedisDeduper) Claim(ctx context.Context, userID, key, recordID string, window time.Duration, _ time.Time) (string, bool, error) {
	k := dedupeKey(userID, key)
	ok, err := d.client.SetNX(ctx, k, recordID, window).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedupe claim: %w", err)
	}
	if ok {
		return "", true, nil
	}
	existing, err := d.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// ключ истёк между SETNX и GET - пробуем ещё раз
		ok, err = d.client.SetNX(ctx, k, recordID, window).Result()
		if err != nil {
			return "", false, fmt.Errorf("dedupe claim: %w", err)
		}
		if ok {
			return "", true, nil
		}
		existing, err = d.client.Get(ctx, k).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return existing, false, nil
}

func (d *RedisDeduper) Release(ctx context.Context, userID, key, recordID string) error {
	if err := releaseScript.Run(ctx, d.client, []string{dedupeKey(userID, key)}, recordID).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

// ============================================================
// Digest buffer
// ============================================================

// RedisDigestStore - список на пользователя и множество пользователей с буфером
type RedisDigestStore struct {
	client redis.UniversalClient
}

func NewRedisDigestStore(client redis.UniversalClient) *RedisDigestStore {
	return &RedisDigestStore{client: client}
}

const digestUsersKey = redisPrefix + "digest:users"

func digestKey(userID string) string {
	return redisPrefix + "digest:" + userID
}

func (s *RedisDigestStore) Add(ctx context.Context, userID string, e BufferedEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode buffered event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, digestKey(userID), data)
		pipe.SAdd(ctx, digestUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("digest add: %w", err)
	}
	return nil
}

func (s *RedisDigestStore) Users(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, digestUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("digest users: %w", err)
	}
	return users, nil
}

func (s *RedisDigestStore) Len(ctx context.Context, userID string) (int, error) {
	n, err := s.client.LLen(ctx, digestKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("digest len: %w", err)
	}
	return int(n), nil
}

func (s *RedisDigestStore) Drain(ctx context.Context, userID string) ([]BufferedEvent, error) {
	var rng *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, digestKey(userID), 0, -1)
		pipe.Del(ctx, digestKey(userID))
		pipe.SRem(ctx, digestUsersKey, userID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("digest drain: %w", err)
	}
	raw := rng.Val()
	out := make([]BufferedEvent, 0, len(raw))
	for _, item := range raw {
		var e BufferedEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
