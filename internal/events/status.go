package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// StatusStore keeps the last-known snapshot per project so clients that
// reconnect after a build ended can still learn its outcome.
type StatusStore interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, projectID string) (Snapshot, bool, error)
}

// MemoryStatusStore is an in-process StatusStore with TTL expiry.
type MemoryStatusStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	return &MemoryStatusStore{ttl: ttl, now: time.Now, snaps: make(map[string]Snapshot)}
}

func (m *MemoryStatusStore) Put(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snaps[snap.ProjectID]; ok && cur.BuildID == snap.BuildID && cur.Sequence > snap.Sequence {
		return nil
	}
	m.snaps[snap.ProjectID] = snap
	m.evictLocked()
	return nil
}

func (m *MemoryStatusStore) Get(ctx context.Context, projectID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[projectID]
	if !ok {
		return Snapshot{}, false, nil
	}
	if m.ttl > 0 && m.now().Sub(snap.UpdatedAt) > m.ttl {
		delete(m.snaps, projectID)
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (m *MemoryStatusStore) evictLocked() {
	if m.ttl <= 0 {
		return
	}
	cutoff := m.now().Add(-m.ttl)
	for id, snap := range m.snaps {
		if snap.UpdatedAt.Before(cutoff) {
			delete(m.snaps, id)
		}
	}
}

// RedisStatusStore stores snapshots as JSON values with a TTL.
type RedisStatusStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStatusStore connects to url (redis:// or rediss://) and verifies
// the connection.
func NewRedisStatusStore(ctx context.Context, url string, ttl time.Duration) (*RedisStatusStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStatusStoreWithClient(client, ttl), nil
}

// NewRedisStatusStoreWithClient wraps an existing client.
func NewRedisStatusStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, prefix: "webforge:status:", ttl: ttl}
}

func (r *RedisStatusStore) key(projectID string) string { return r.prefix + projectID }

func (r *RedisStatusStore) Put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(snap.ProjectID), data, r.ttl).Err()
}

func (r *RedisStatusStore) Get(ctx context.Context, projectID string) (Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode status snapshot: %w", err)
	}
	return snap, true, nil
}

// Close releases the Redis connection pool.
func (r *RedisStatusStore) Close() error {
	return r.client.Close()
}
