package app

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"wikimap/api/internal/cache"
	"wikimap/api/internal/logging"
	"wikimap/api/internal/rbac"
	"wikimap/api/internal/search"
	"wikimap/api/internal/store"
)

// cachedRead serves key from the named cache, loading and storing it on a
// miss. Cache failures degrade to a direct load.
func cachedRead[T any](ctx context.Context, caches *cache.Registry, name, key string, load func(context.Context) (T, error)) (T, error) {
	c, ok := caches.Lookup(name)
	if !ok {
		return load(ctx)
	}
	var value T
	found, err := c.Get(ctx, key, &value)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("cache", name).Msg("cache read failed")
	}
	if found {
		return value, nil
	}
	value, err = load(ctx)
	if err != nil {
		return value, err
	}
	if err := c.Set(ctx, key, value); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("cache", name).Msg("cache write failed")
	}
	return value, nil
}

func (s *Service) Leaderboard(ctx context.Context) ([]LeaderboardEntryView, error) {
	return cachedRead(ctx, s.caches, cache.Leaderboard, cache.LeaderboardKey, func(ctx context.Context) ([]LeaderboardEntryView, error) {
		entries, err := s.store.Leaderboard(ctx, leaderboardSize)
		if err != nil {
			return nil, err
		}
		views := make([]LeaderboardEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, LeaderboardEntryView{Rank: e.Rank, UserID: e.UserID, Username: e.Username, XP: e.XP})
		}
		return views, nil
	})
}

func (s *Service) UserStats(ctx context.Context, userID int64) (UserStatsView, error) {
	return cachedRead(ctx, s.caches, cache.UserStats, strconv.FormatInt(userID, 10), func(ctx context.Context) (UserStatsView, error) {
		stats, err := s.store.UserStats(ctx, userID)
		if err != nil {
			return UserStatsView{}, storeError(err, "user")
		}
		return UserStatsView{
			UserID:            stats.UserID,
			Username:          stats.Username,
			XP:                stats.XP,
			ProposalsTotal:    stats.ProposalsTotal,
			ProposalsApproved: stats.ProposalsApproved,
			ProposalsPending:  stats.ProposalsPending,
			VotesCast:         stats.VotesCast,
			PendingPOIs:       stats.PendingPOIs,
		}, nil
	})
}

// TakeXPEvents returns the caller's XP changes not yet shown and marks them
// shown.
func (s *Service) TakeXPEvents(ctx context.Context, viewer Viewer) ([]XPEventView, error) {
	if err := s.require(viewer, rbac.ActionRead); err != nil {
		return nil, err
	}
	rows, err := s.store.TakeUnshownXP(ctx, viewer.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]XPEventView, 0, len(rows))
	for _, row := range rows {
		views = append(views, XPEventView{ID: row.ID, XPChange: row.XPChange, Reason: row.Reason, AdminID: row.AdminID, CreatedAt: row.CreatedAt})
	}
	return views, nil
}

func (s *Service) XPConfig(ctx context.Context, admin Viewer) ([]XPConfigView, error) {
	if err := s.require(admin, rbac.ActionConfigureXP); err != nil {
		return nil, err
	}
	rows, err := s.rewards.All(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]XPConfigView, 0, len(rows))
	for _, row := range rows {
		views = append(views, xpConfigView(row))
	}
	return views, nil
}

func (s *Service) SetXPConfig(ctx context.Context, admin Viewer, key string, value int) (XPConfigView, error) {
	if err := s.require(admin, rbac.ActionConfigureXP); err != nil {
		return XPConfigView{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return XPConfigView{}, invalidInput("key is required", nil)
	}
	if value < 0 {
		return XPConfigView{}, invalidInput("value must be >= 0", nil)
	}
	row, err := s.rewards.Set(ctx, key, value)
	if errors.Is(err, store.ErrNotFound) {
		return XPConfigView{}, notFound("xp config key not found")
	}
	if err != nil {
		return XPConfigView{}, err
	}
	logging.Ctx(ctx).Info().Str("key", key).Int("value", value).Int64("admin_id", admin.UserID).Msg("xp config updated")
	return xpConfigView(row), nil
}

func (s *Service) SearchPOIs(ctx context.Context, q search.Query) search.Response {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.index.Search(ctx, q)
}
