package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"wikimap/api/internal/metrics"
)

// Well-known cache names.
const (
	Leaderboard = "leaderboard"
	UserStats   = "user_stats"
	XPConfig    = "xp_config"
)

// LeaderboardKey is the single entry held by the leaderboard cache.
const LeaderboardKey = "top10"

// Named is one logical cache: a key namespace with a TTL, storing JSON values.
type Named struct {
	name  string
	ttl   time.Duration
	store Store
}

func NewNamed(name string, ttl time.Duration, store Store) *Named {
	return &Named{name: name, ttl: ttl, store: store}
}

func (n *Named) Name() string {
	return n.name
}

func (n *Named) key(key string) string {
	return n.name + ":" + key
}

// Get decodes the cached value for key into dest. A backend error is
// returned alongside found=false so callers can fall through to the source.
func (n *Named) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := n.store.Get(ctx, n.key(key))
	if err != nil {
		metrics.CacheLookups.WithLabelValues(n.name, "error").Inc()
		return false, err
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues(n.name, "miss").Inc()
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		metrics.CacheLookups.WithLabelValues(n.name, "error").Inc()
		return false, fmt.Errorf("decode %s/%s: %w", n.name, key, err)
	}
	metrics.CacheLookups.WithLabelValues(n.name, "hit").Inc()
	return true, nil
}

func (n *Named) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", n.name, key, err)
	}
	return n.store.Set(ctx, n.key(key), raw, n.ttl)
}

func (n *Named) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = n.key(key)
	}
	metrics.CacheInvalidations.WithLabelValues(n.name, "key").Inc()
	return n.store.Delete(ctx, full...)
}

func (n *Named) InvalidateAll(ctx context.Context) error {
	metrics.CacheInvalidations.WithLabelValues(n.name, "all").Inc()
	return n.store.DeletePrefix(ctx, n.name+":")
}
