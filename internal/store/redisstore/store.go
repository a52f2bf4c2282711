package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("redisstore: not found")

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

// SetJSONNX writes only if the key is absent. Returns false when a
// concurrent writer got there first.
func (s *Store) SetJSONNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, key, b, ttl).Result()
}

func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) SetStringNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// incrWithExpiry increments and, on first hit, arms the window TTL in the
// same script. The returned count is authoritative: admission must decide
// on it, never on a separate read, or two requests could both slip under
// the quota.
var incrWithExpiry = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {c, ttl}
`)

func (s *Store) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (count int64, ttlLeft time.Duration, err error) {
	res, err := incrWithExpiry.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, errors.New("redisstore: unexpected script reply")
	}
	count, _ = res[0].(int64)
	ttlMs, _ := res[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// RecordTimestamp adds t to a sorted set keyed by time, drops entries older
// than the sliding window and returns how many remain.
func (s *Store) RecordTimestamp(ctx context.Context, key string, t time.Time, window, ttl time.Duration) (int64, error) {
	score := float64(t.UnixMilli())
	cutoff := strconv.FormatInt(t.Add(-window).UnixMilli(), 10)

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: strconv.FormatInt(t.UnixNano(), 10)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// CountSince counts sorted-set members scored at or after t.
func (s *Store) CountSince(ctx context.Context, key string, t time.Time) (int64, error) {
	return s.rdb.ZCount(ctx, key, strconv.FormatInt(t.UnixMilli(), 10), "+inf").Result()
}

func (s *Store) AppendFlag(ctx context.Context, key, flag string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, flag)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}
