package store

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/quotewire/quotewire/internal/errs"
)

// RedisStore implements CacheStore and SnapshotStore over one redis client.
// Entries are stored as JSON envelopes so StoredAt survives the round trip;
// redis-side expiry doubles the freshness check.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.New("store.redis", errs.KindStorageFailure,
			errs.WithMessage("redis unreachable at %s", addr), errs.WithCause(err))
	}
	return NewRedisStore(client), nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New("store.redis.get", errs.KindStorageFailure, errs.WithCause(err))
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, errs.New("store.redis.get", errs.KindStorageFailure,
			errs.WithMessage("corrupt cache envelope for %s", key), errs.WithCause(err))
	}
	if !e.Fresh(r.now()) {
		return nil, false, nil
	}
	return &e, true, nil
}

func (r *RedisStore) MGet(ctx context.Context, keys []string) (map[string]*Entry, error) {
	if len(keys) == 0 {
		return map[string]*Entry{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.New("store.redis.mget", errs.KindStorageFailure, errs.WithCause(err))
	}
	out := make(map[string]*Entry, len(keys))
	now := r.now()
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		if e.Fresh(now) {
			out[keys[i]] = &e
		}
	}
	return out, nil
}

func (r *RedisStore) Set(ctx context.Context, entry *Entry) error {
	cp := *entry
	if cp.StoredAt.IsZero() {
		cp.StoredAt = r.now()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return errs.New("store.redis.set", errs.KindStorageFailure, errs.WithCause(err))
	}
	if err := r.client.Set(ctx, cp.Key, raw, cp.TTL).Err(); err != nil {
		return errs.New("store.redis.set", errs.KindStorageFailure, errs.WithCause(err))
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errs.New("store.redis.del", errs.KindStorageFailure, errs.WithCause(err))
	}
	return nil
}

// Persist writes a snapshot under its storage key with the snapshot TTL.
func (r *RedisStore) Persist(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errs.New("store.redis.persist", errs.KindStorageFailure, errs.WithCause(err))
	}
	if err := r.client.Set(ctx, snap.Key, raw, snap.TTL).Err(); err != nil {
		return errs.New("store.redis.persist", errs.KindStorageFailure, errs.WithCause(err))
	}
	return nil
}
