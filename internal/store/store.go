// Package store holds the narrow persistence contracts the core talks to:
// a cache store for smart-cache entries and a snapshot store for durable
// transformed payloads. Redis backs both in production; an in-memory cache
// store serves tests and cache-only deployments.
package store

import (
	"context"
	"time"

	"github.com/quotewire/quotewire/internal/model"
)

// Entry is one cached record. A record is a hit iff now - StoredAt < TTL.
type Entry struct {
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	StoredAt time.Time      `json:"storedAt"`
	TTL      time.Duration  `json:"ttlSeconds"`
	Strategy model.Strategy `json:"strategy"`
}

// Fresh reports whether the entry is still a hit at the given instant.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Remaining returns the TTL left at the given instant, floored at zero.
func (e *Entry) Remaining(now time.Time) time.Duration {
	rem := e.StoredAt.Add(e.TTL).Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// CacheStore is the smart-cache persistence boundary.
type CacheStore interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	MGet(ctx context.Context, keys []string) (map[string]*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// Snapshot is one durable transformed payload written after a REST fetch.
type Snapshot struct {
	Key            string            `json:"key" db:"storage_key"`
	Data           any               `json:"data" db:"-"`
	Classification string            `json:"classification" db:"classification"`
	Market         model.Market      `json:"market" db:"market"`
	Provider       string            `json:"provider" db:"provider"`
	Capability     string            `json:"capability" db:"capability"`
	TTL            time.Duration     `json:"ttl" db:"-"`
	Tags           map[string]string `json:"tags" db:"-"`
}

// SnapshotStore is the document-store collaborator boundary.
type SnapshotStore interface {
	Persist(ctx context.Context, snap *Snapshot) error
}
