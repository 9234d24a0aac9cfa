package xp

import (
	"context"
	"fmt"

	"wikimap/api/internal/cache"
	"wikimap/api/internal/logging"
	"wikimap/api/internal/store"
)

const rewardsKey = "all"

type ConfigSource interface {
	ListXPConfig(ctx context.Context) ([]store.XPConfig, error)
	SetXPConfig(ctx context.Context, key string, value int) (store.XPConfig, error)
}

// Rewards serves reward amounts from a read-through cache over xp_config.
// Any write drops the whole cache.
type Rewards struct {
	source ConfigSource
	cache  *cache.Named
}

func NewRewards(source ConfigSource, c *cache.Named) *Rewards {
	return &Rewards{source: source, cache: c}
}

// Amounts is a loaded copy of xp_config, keyed by reason.
type Amounts map[string]int

// Get returns the configured value for key, or 0 when the key is unknown.
func (a Amounts) Get(ctx context.Context, key string) int {
	value, ok := a[key]
	if !ok {
		logging.Ctx(ctx).Warn().Str("key", key).Msg("xp reward key not configured")
		return 0
	}
	return value
}

// Load returns every reward amount. Call it before opening a transaction:
// a cold cache reads xp_config from the source on its own connection.
func (r *Rewards) Load(ctx context.Context) (Amounts, error) {
	values, err := r.values(ctx)
	if err != nil {
		return nil, err
	}
	return Amounts(values), nil
}

// Amount returns the configured value for key, or 0 when the key is unknown.
func (r *Rewards) Amount(ctx context.Context, key string) (int, error) {
	amounts, err := r.Load(ctx)
	if err != nil {
		return 0, err
	}
	return amounts.Get(ctx, key), nil
}

func (r *Rewards) values(ctx context.Context) (map[string]int, error) {
	var values map[string]int
	found, err := r.cache.Get(ctx, rewardsKey, &values)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("xp config cache read failed")
	}
	if found {
		return values, nil
	}

	rows, err := r.source.ListXPConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load xp config: %w", err)
	}
	values = make(map[string]int, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	if err := r.cache.Set(ctx, rewardsKey, values); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("xp config cache write failed")
	}
	return values, nil
}

func (r *Rewards) All(ctx context.Context) ([]store.XPConfig, error) {
	return r.source.ListXPConfig(ctx)
}

// Set persists a new value and invalidates every cached reward.
func (r *Rewards) Set(ctx context.Context, key string, value int) (store.XPConfig, error) {
	row, err := r.source.SetXPConfig(ctx, key, value)
	if err != nil {
		return store.XPConfig{}, err
	}
	if err := r.cache.InvalidateAll(ctx); err != nil {
		return row, fmt.Errorf("invalidate xp config cache: %w", err)
	}
	return row, nil
}
