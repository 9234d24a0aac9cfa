package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a single database transaction. Any error returned by
// fn, or a panic, rolls the whole transaction back.
func (s *PostgresStore) InTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, xp, is_admin, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.XP, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) ListPendingProposals(ctx context.Context, viewerID int64) ([]ProposalSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns("p")+`,
			u.username,
			COUNT(v.user_id) FILTER (WHERE v.vote = 1)::int,
			COUNT(v.user_id) FILTER (WHERE v.vote = -1)::int,
			COALESCE(MAX(v.vote) FILTER (WHERE v.user_id = $1), 0)::int
		FROM change_proposals p
		JOIN users u ON u.id = p.proposer_id
		LEFT JOIN change_proposal_votes v ON v.proposal_id = p.id
		WHERE p.status = 'pending'
		GROUP BY p.id, u.username
		ORDER BY p.created_at DESC
	`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	items := make([]ProposalSummary, 0)
	for rows.Next() {
		var item ProposalSummary
		dest := append(proposalDest(&item.Proposal), &item.ProposerName, &item.Upvotes, &item.Downvotes, &item.MyVote)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProposalSummary(ctx context.Context, proposalID, viewerID int64) (ProposalSummary, error) {
	var item ProposalSummary
	dest := append(proposalDest(&item.Proposal), &item.ProposerName, &item.Upvotes, &item.Downvotes, &item.MyVote)
	err := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns("p")+`,
			u.username,
			COUNT(v.user_id) FILTER (WHERE v.vote = 1)::int,
			COUNT(v.user_id) FILTER (WHERE v.vote = -1)::int,
			COALESCE(MAX(v.vote) FILTER (WHERE v.user_id = $2), 0)::int
		FROM change_proposals p
		JOIN users u ON u.id = p.proposer_id
		LEFT JOIN change_proposal_votes v ON v.proposal_id = p.id
		WHERE p.id = $1
		GROUP BY p.id, u.username
	`, proposalID, viewerID).Scan(dest...)
	if err != nil {
		return ProposalSummary{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListPendingPOIs(ctx context.Context, viewerID int64) ([]PendingPOISummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingPOIColumns("pp")+`,
			u.username,
			COUNT(v.user_id) FILTER (WHERE v.vote = 1)::int,
			COUNT(v.user_id) FILTER (WHERE v.vote = -1)::int,
			COALESCE(MAX(v.vote) FILTER (WHERE v.user_id = $1), 0)::int
		FROM pending_pois pp
		JOIN users u ON u.id = pp.user_id
		LEFT JOIN pending_poi_votes v ON v.pending_poi_id = pp.id
		GROUP BY pp.id, u.username
		ORDER BY pp.created_at DESC
	`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list pending pois: %w", err)
	}
	defer rows.Close()

	items := make([]PendingPOISummary, 0)
	for rows.Next() {
		var item PendingPOISummary
		dest := append(pendingPOIDest(&item.PendingPOI), &item.CreatorName, &item.Upvotes, &item.Downvotes, &item.MyVote)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending poi: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending pois: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListXPConfig(ctx context.Context) ([]XPConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, description, updated_at
		FROM xp_config
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list xp config: %w", err)
	}
	defer rows.Close()

	items := make([]XPConfig, 0)
	for rows.Next() {
		var item XPConfig
		if err := rows.Scan(&item.Key, &item.Value, &item.Description, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan xp config: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate xp config: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetXPConfig(ctx context.Context, key string, value int) (XPConfig, error) {
	var item XPConfig
	err := s.db.QueryRowContext(ctx, `
		UPDATE xp_config
		SET value=$2, updated_at=NOW()
		WHERE key=$1
		RETURNING key, value, description, updated_at
	`, key, value).Scan(&item.Key, &item.Value, &item.Description, &item.UpdatedAt)
	if err != nil {
		return XPConfig{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, xp, RANK() OVER (ORDER BY xp DESC)::int
		FROM users
		WHERE xp > 0
		ORDER BY xp DESC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	items := make([]LeaderboardEntry, 0, limit)
	for rows.Next() {
		var item LeaderboardEntry
		if err := rows.Scan(&item.UserID, &item.Username, &item.XP, &item.Rank); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UserStats(ctx context.Context, userID int64) (UserStats, error) {
	var stats UserStats
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.xp,
			(SELECT COUNT(*) FROM change_proposals WHERE proposer_id = u.id)::int,
			(SELECT COUNT(*) FROM change_proposals WHERE proposer_id = u.id AND status = 'approved')::int,
			(SELECT COUNT(*) FROM change_proposals WHERE proposer_id = u.id AND status = 'pending')::int,
			(SELECT COUNT(*) FROM change_proposal_votes WHERE user_id = u.id)::int,
			(SELECT COUNT(*) FROM pending_pois WHERE user_id = u.id)::int
		FROM users u
		WHERE u.id = $1
	`, userID).Scan(
		&stats.UserID,
		&stats.Username,
		&stats.XP,
		&stats.ProposalsTotal,
		&stats.ProposalsApproved,
		&stats.ProposalsPending,
		&stats.VotesCast,
		&stats.PendingPOIs,
	)
	if err != nil {
		return UserStats{}, notFound(err)
	}
	return stats, nil
}

// TakeUnshownXP returns the caller's XP history rows not yet surfaced to the
// client and flags them as shown.
func (s *PostgresStore) TakeUnshownXP(ctx context.Context, userID int64) ([]XPHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE xp_history
		SET shown = TRUE
		WHERE user_id = $1 AND NOT shown
		RETURNING id, user_id, xp_change, reason, admin_id, shown, created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("take unshown xp: %w", err)
	}
	defer rows.Close()

	items := make([]XPHistory, 0)
	for rows.Next() {
		var item XPHistory
		if err := rows.Scan(&item.ID, &item.UserID, &item.XPChange, &item.Reason, &item.AdminID, &item.Shown, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan xp history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate xp history: %w", err)
	}
	return items, nil
}

func proposalColumns(alias string) string {
	p := alias + "."
	return p + "id, " + p + "change_type, " + p + "target_type, " + p + "target_id, " + p + "proposer_id, " +
		p + "current_data, " + p + "proposed_data, " + p + "applied_data, " + p + "notes, " + p + "vote_score, " +
		p + "status, " + p + "admin_id, " + p + "admin_action, " + p + "admin_notes, " + p + "resolved_at, " +
		p + "created_at, " + p + "updated_at"
}

func proposalDest(item *Proposal) []any {
	return []any{
		&item.ID,
		&item.ChangeType,
		&item.TargetType,
		&item.TargetID,
		&item.ProposerID,
		&item.CurrentData,
		&item.ProposedData,
		&item.AppliedData,
		&item.Notes,
		&item.VoteScore,
		&item.Status,
		&item.AdminID,
		&item.AdminAction,
		&item.AdminNotes,
		&item.ResolvedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	}
}

func pendingPOIColumns(alias string) string {
	p := alias + "."
	return p + "id, " + p + "custom_poi_id, " + p + "user_id, " + p + "map_id, " + p + "x, " + p + "y, " +
		p + "name, " + p + "description, " + p + "type, " + p + "icon, " + p + "vote_score, " + p + "created_at"
}

func pendingPOIDest(item *PendingPOI) []any {
	return []any{
		&item.ID,
		&item.CustomPOIID,
		&item.UserID,
		&item.MapID,
		&item.X,
		&item.Y,
		&item.Name,
		&item.Description,
		&item.Type,
		&item.Icon,
		&item.VoteScore,
		&item.CreatedAt,
	}
}
