// Package store provides a Redis-backed counter store. Each slug lives in a
// hash under Prefix+slug with the fields count, last_read_at, created_at and
// updated_at (unix milliseconds). The conditional increment runs as a Lua
// script so the cooldown check and the write are a single atomic step.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-view-counter/internal/domain"
)

// DefaultPrefix namespaces counter keys.
const DefaultPrefix = "views:"

// KEYS[1]=hash; ARGV[1]=nowMs; ARGV[2]=windowMs (0 accepts every view)
// returns {count, accepted}
var luaIncrement = redis.NewScript(`
  local k = KEYS[1]
  local now = tonumber(ARGV[1])
  local window = tonumber(ARGV[2])

  local last = redis.call('HGET', k, 'last_read_at')
  if last and window > 0 and (now - tonumber(last)) < window then
    local c = redis.call('HGET', k, 'count')
    return {tonumber(c) or 0, 0}
  end

  local n = redis.call('HINCRBY', k, 'count', 1)
  redis.call('HSET', k, 'last_read_at', ARGV[1], 'updated_at', ARGV[1])
  redis.call('HSETNX', k, 'created_at', ARGV[1])
  return {n, 1}
`)

// KEYS[1]=hash; ARGV[1]=count; ARGV[2]=lastReadMs; ARGV[3]=nowMs
var luaSeed = redis.NewScript(`
  local k = KEYS[1]
  redis.call('HSET', k, 'count', ARGV[1], 'last_read_at', ARGV[2], 'updated_at', ARGV[3])
  redis.call('HSETNX', k, 'created_at', ARGV[3])
  return 1
`)

// RedisStore keeps view counters in Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option customizes a RedisStore.
type Option func(*RedisStore)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option { return func(s *RedisStore) { s.prefix = p } }

// WithClock overrides the clock used by Seed.
func WithClock(now func() time.Time) Option { return func(s *RedisStore) { s.now = now } }

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: DefaultPrefix, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial parses a redis:// URL, connects, and verifies the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(rdb, opts...), nil
}

func (s *RedisStore) key(slug string) string { return s.prefix + slug }

// GetRecord returns the record for slug, or nil when it does not exist.
func (s *RedisStore) GetRecord(ctx context.Context, slug string) (*domain.ViewRecord, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(slug)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeRecord(slug, m)
}

// GetCounts reads all counts in one pipelined round trip. Slugs without a
// record map to 0.
func (s *RedisStore) GetCounts(ctx context.Context, slugs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(slugs))
	if len(slugs) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, len(slugs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, slug := range slugs {
			cmds[i] = p.HGet(ctx, s.key(slug), "count")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, slug := range slugs {
		n, err := cmds[i].Int64()
		switch {
		case errors.Is(err, redis.Nil):
			out[slug] = 0
		case err != nil:
			return nil, err
		default:
			out[slug] = n
		}
	}
	return out, nil
}

// Increment atomically records a view for slug at now; see luaIncrement.
func (s *RedisStore) Increment(ctx context.Context, slug string, now time.Time, window time.Duration) (int64, bool, error) {
	w := int64(0)
	if window > 0 {
		w = window.Milliseconds()
	}
	vals, err := luaIncrement.Run(ctx, s.rdb, []string{s.key(slug)}, now.UnixMilli(), w).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(vals) != 2 {
		return 0, false, errors.New("store: unexpected increment reply")
	}
	return vals[0], vals[1] == 1, nil
}

// Seed sets count and read time for slug. A nil lastReadAt stores now.
func (s *RedisStore) Seed(ctx context.Context, slug string, count int64, lastReadAt *time.Time) error {
	now := s.now()
	read := now
	if lastReadAt != nil {
		read = *lastReadAt
	}
	return luaSeed.Run(ctx, s.rdb, []string{s.key(slug)}, count, read.UnixMilli(), now.UnixMilli()).Err()
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeRecord(slug string, m map[string]string) (*domain.ViewRecord, error) {
	rec := &domain.ViewRecord{Slug: slug}
	var err error
	if rec.ViewCount, err = parseInt(m["count"]); err != nil {
		return nil, err
	}
	if v, ok := m["last_read_at"]; ok && v != "" {
		ms, err := parseInt(v)
		if err != nil {
			return nil, err
		}
		rec.LastReadAt = &ms
	}
	if ms, err := parseInt(m["created_at"]); err == nil && ms > 0 {
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := parseInt(m["updated_at"]); err == nil && ms > 0 {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
