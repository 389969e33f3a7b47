// Package cache provides the fallback data store used during degraded
// operation. Successful broker responses are written through so that
// degraded levels can serve last-known-good data.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Store is the fallback cache contract. The memory backend is the
// default; the redis backend shares entries across instances.
type Store interface {
	Set(ctx context.Context, key string, value interface{}) error
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (interface{}, bool)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	SetDefaultTTL(ttl time.Duration)
	DefaultTTL() time.Duration
	Stats() Stats
	Close() error
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Entries    int           `json:"entries"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// Key prefixes for different cache types
const (
	PrefixResponse      = "response:%s"
	PrefixServiceStatus = "service:%s:status"
)

// ResponseKey generates a cache key for a broker operation response.
func ResponseKey(operation string) string {
	return fmt.Sprintf(PrefixResponse, operation)
}

// ServiceStatusKey generates a cache key for a service status snapshot.
func ServiceStatusKey(service string) string {
	return fmt.Sprintf(PrefixServiceStatus, service)
}
