// Package refcache implements cache-aside lookups for reference rows (surcharge names,
// service names and codes, tracking statuses, locations, units of measure).
package refcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CarrierSync/internal/cache"
	"github.com/BearBump/CarrierSync/internal/metrics"
)

const keyPrefix = "ref"

// Key builds a cache key like "ref:surcharge_name:7:Fuel Surcharge".
func Key(kind string, parts ...any) string {
	b := strings.Builder{}
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

func kindOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return "unknown"
	}
	return parts[1]
}

// GetOrCreate returns the cached value for key or calls create and caches its result.
// A nil cache or a cache error behaves like a miss. ttl == 0 keeps the entry forever.
// create must be idempotent: two concurrent misses both call it and must get the same row.
func GetOrCreate[T any](ctx context.Context, c cache.BytesCache, key string, ttl time.Duration, create func(ctx context.Context) (T, error)) (T, error) {
	kind := kindOf(key)
	if c != nil {
		b, ok, err := c.Get(ctx, key)
		switch {
		case err != nil:
			slog.Warn("refcache get", "key", key, "error", err.Error())
		case ok:
			var v T
			if err := json.Unmarshal(b, &v); err == nil {
				metrics.Get().RefCacheLookups.WithLabelValues(kind, "hit").Inc()
				return v, nil
			}
			slog.Warn("refcache decode", "key", key)
		}
	}
	metrics.Get().RefCacheLookups.WithLabelValues(kind, "miss").Inc()

	v, err := create(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if c != nil {
		b, err := json.Marshal(v)
		if err == nil {
			err = c.Set(ctx, key, b, ttl)
		}
		if err != nil {
			slog.Warn("refcache set", "key", key, "error", err.Error())
		}
	}
	return v, nil
}

// Pending buffers writes made during a database transaction. Reads see the buffered
// values first. Flush is called after commit; Discard after rollback, so ids of
// rolled-back rows never reach the shared cache.
type Pending struct {
	base cache.BytesCache

	mu     sync.Mutex
	staged map[string]stagedEntry
	order  []string
}

type stagedEntry struct {
	value []byte
	ttl   time.Duration
}

var _ cache.BytesCache = (*Pending)(nil)

func NewPending(base cache.BytesCache) *Pending {
	return &Pending{base: base, staged: make(map[string]stagedEntry)}
}

func (p *Pending) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	e, ok := p.staged[key]
	p.mu.Unlock()
	if ok {
		return e.value, true, nil
	}
	if p.base == nil {
		return nil, false, nil
	}
	return p.base.Get(ctx, key)
}

func (p *Pending) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.staged[key]; !ok {
		p.order = append(p.order, key)
	}
	p.staged[key] = stagedEntry{value: value, ttl: ttl}
	return nil
}

// Flush writes buffered entries to the shared cache. Failures are logged; the next
// lookup simply misses.
func (p *Pending) Flush(ctx context.Context) {
	p.mu.Lock()
	staged, order := p.staged, p.order
	p.staged, p.order = make(map[string]stagedEntry), nil
	p.mu.Unlock()

	if p.base == nil {
		return
	}
	for _, k := range order {
		e := staged[k]
		if err := p.base.Set(ctx, k, e.value, e.ttl); err != nil {
			slog.Warn("refcache flush", "key", k, "error", err.Error())
		}
	}
}

func (p *Pending) Discard() {
	p.mu.Lock()
	p.staged, p.order = make(map[string]stagedEntry), nil
	p.mu.Unlock()
}

// Len is the number of buffered entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
