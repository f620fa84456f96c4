package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found")

// Store persists State per browser session id.
type Store interface {
	Get(ctx context.Context, id string) (State, error)
	Put(ctx context.Context, id string, st State) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	state   State
	expires time.Time
}

// MemoryStore keeps sessions in process. A zero ttl never expires.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return State{}, ErrNotFound
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, id)
		return State{}, ErrNotFound
	}
	return e.state, nil
}

func (m *MemoryStore) Put(ctx context.Context, id string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{state: st}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[id] = e
	return nil
}

// PurgeExpired drops every entry that expired before now and returns how
// many were dropped.
func (m *MemoryStore) PurgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

const redisKeySession = "session:"

type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	p := redisKeySession
	if prefix != "" {
		p = prefix + ":" + redisKeySession
	}
	return &RedisStore{redis: rdb, prefix: p, ttl: ttl}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) Get(ctx context.Context, id string) (State, error) {
	val, err := r.redis.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("read redis key=%s: %w", r.key(id), err)
	}

	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		return State{}, fmt.Errorf("decode session: %w", err)
	}
	return st, nil
}

func (r *RedisStore) Put(ctx context.Context, id string, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.redis.Set(ctx, r.key(id), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("save redis key=%s: %w", r.key(id), err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.redis.Del(ctx, r.key(id)).Err()
}
