package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyCases = "cases:snapshot"

var ErrCacheMiss = errors.New("snapshot cache miss")

// SnapshotCache keeps the last good case collection so a restarted process
// can show cases before its first poll tick completes.
type SnapshotCache interface {
	Load(ctx context.Context) ([]CaseRecord, string, error)
	Save(ctx context.Context, cases []CaseRecord, etag string) error
}

type redisSnapshotCache struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

type cachedPayload struct {
	ETag     string          `json:"etag"`
	JSON     json.RawMessage `json:"json"`
	CachedAt time.Time       `json:"cached_at"`
}

func NewRedisSnapshotCache(rdb *redis.Client, prefix string, ttl time.Duration) SnapshotCache {
	key := redisKeyCases
	if prefix != "" {
		key = prefix + ":" + redisKeyCases
	}
	return &redisSnapshotCache{
		redis: rdb,
		key:   key,
		ttl:   ttl,
	}
}

func (s *redisSnapshotCache) Load(ctx context.Context) ([]CaseRecord, string, error) {
	val, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrCacheMiss
	}
	if err != nil {
		return nil, "", fmt.Errorf("read redis key=%s: %w", s.key, err)
	}

	var cached cachedPayload
	if err := json.Unmarshal(val, &cached); err != nil {
		return nil, "", fmt.Errorf("decode cached snapshot: %w", err)
	}

	var cases []CaseRecord
	if err := json.Unmarshal(cached.JSON, &cases); err != nil {
		return nil, "", fmt.Errorf("decode cached cases: %w", err)
	}
	return cases, cached.ETag, nil
}

func (s *redisSnapshotCache) Save(ctx context.Context, cases []CaseRecord, etag string) error {
	raw, err := json.Marshal(cases)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cachedPayload{
		ETag:     etag,
		JSON:     raw,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	if err := s.redis.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save redis key=%s: %w", s.key, err)
	}
	slog.Debug("redis case snapshot updated", "etag", etag, "ttl", s.ttl, "count", len(cases))
	return nil
}
