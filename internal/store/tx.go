package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Tx exposes every state-changing query of the moderation workflow. All of
// its methods run on the same *sql.Tx so a failure anywhere rolls back the
// vote, the status change, the domain mutation and the XP award together.
type Tx struct {
	tx *sql.Tx
}

// GetProposalForUpdate loads a proposal and holds its row lock until the
// transaction ends, serialising votes and admin actions on the same proposal.
func (t *Tx) GetProposalForUpdate(ctx context.Context, proposalID int64) (Proposal, error) {
	var item Proposal
	err := t.tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns("p")+`
		FROM change_proposals p
		WHERE p.id=$1
		FOR UPDATE
	`, proposalID).Scan(proposalDest(&item)...)
	if err != nil {
		return Proposal{}, notFound(err)
	}
	return item, nil
}

func (t *Tx) InsertProposal(ctx context.Context, item Proposal) (Proposal, error) {
	var created Proposal
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO change_proposals (change_type, target_type, target_id, proposer_id, current_data, proposed_data, notes)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		RETURNING `+proposalColumns("change_proposals"),
		item.ChangeType, item.TargetType, item.TargetID, item.ProposerID, nullJSON(item.CurrentData), string(item.ProposedData), item.Notes,
	).Scan(proposalDest(&created)...)
	if isUniqueViolation(err, "uq_change_proposals_pending") {
		return Proposal{}, ErrDuplicatePending
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return created, nil
}

// PendingDuplicateExists checks the (change_type, target_type, target_id,
// proposer_id) tuple against pending proposals. NULL targets never match,
// mirroring the partial unique index.
func (t *Tx) PendingDuplicateExists(ctx context.Context, changeType string, targetType *string, targetID *int64, proposerID int64) (bool, error) {
	if targetType == nil || targetID == nil {
		return false, nil
	}
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM change_proposals
			WHERE change_type=$1 AND target_type=$2 AND target_id=$3 AND proposer_id=$4 AND status='pending'
		)
	`, changeType, *targetType, *targetID, proposerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending duplicate: %w", err)
	}
	return exists, nil
}

// ApprovedDuplicateExists reports whether another approved add_* proposal
// already created the same entity. An approval that was edited is compared
// by what was actually applied.
func (t *Tx) ApprovedDuplicateExists(ctx context.Context, proposal Proposal) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM change_proposals
			WHERE change_type=$1
				AND target_type IS NOT DISTINCT FROM $2
				AND target_id IS NOT DISTINCT FROM $3
				AND COALESCE(applied_data, proposed_data) = $4::jsonb
				AND status='approved'
				AND id <> $5
		)
	`, proposal.ChangeType, proposal.TargetType, proposal.TargetID, string(proposal.ProposedData), proposal.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check approved duplicate: %w", err)
	}
	return exists, nil
}

func (t *Tx) DeleteProposal(ctx context.Context, proposalID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM change_proposals WHERE id=$1 AND status='pending'`, proposalID)
	if err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	return expectRow(result, ErrNotPending)
}

// ResolveProposal moves a pending proposal to a terminal status. The WHERE
// status='pending' guard makes a second resolution fail with ErrNotPending.
func (t *Tx) ResolveProposal(ctx context.Context, proposalID int64, res Resolution) (Proposal, error) {
	var item Proposal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE change_proposals
		SET status=$2, admin_id=$3, admin_action=$4, admin_notes=$5, applied_data=$6::jsonb,
			resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='pending'
		RETURNING `+proposalColumns("change_proposals"),
		proposalID, string(res.Status), res.AdminID, res.AdminAction, res.AdminNotes, nullJSON(res.AppliedData),
	).Scan(proposalDest(&item)...)
	if err == sql.ErrNoRows {
		return Proposal{}, ErrNotPending
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("resolve proposal: %w", err)
	}
	return item, nil
}

// CastProposalVote records a vote of -1 or +1 (upsert) or 0 (withdraw the
// vote), then recomputes the proposal score from the full vote set. hadVote
// reports whether the user had a vote row before this call.
func (t *Tx) CastProposalVote(ctx context.Context, proposalID, userID int64, vote int) (hadVote bool, score int, err error) {
	hadVote, err = t.castVote(ctx, "change_proposal_votes", "proposal_id", proposalID, userID, vote)
	if err != nil {
		return false, 0, err
	}
	err = t.tx.QueryRowContext(ctx, `
		UPDATE change_proposals
		SET vote_score = (
			SELECT COUNT(*) FILTER (WHERE vote = 1) - COUNT(*) FILTER (WHERE vote = -1)
			FROM change_proposal_votes
			WHERE proposal_id=$1
		), updated_at=NOW()
		WHERE id=$1
		RETURNING vote_score
	`, proposalID).Scan(&score)
	if err != nil {
		return false, 0, fmt.Errorf("recompute proposal score: %w", notFound(err))
	}
	return hadVote, score, nil
}

func (t *Tx) CastPendingPOIVote(ctx context.Context, pendingPOIID, userID int64, vote int) (hadVote bool, score int, err error) {
	hadVote, err = t.castVote(ctx, "pending_poi_votes", "pending_poi_id", pendingPOIID, userID, vote)
	if err != nil {
		return false, 0, err
	}
	err = t.tx.QueryRowContext(ctx, `
		UPDATE pending_pois
		SET vote_score = (
			SELECT COUNT(*) FILTER (WHERE vote = 1) - COUNT(*) FILTER (WHERE vote = -1)
			FROM pending_poi_votes
			WHERE pending_poi_id=$1
		)
		WHERE id=$1
		RETURNING vote_score
	`, pendingPOIID).Scan(&score)
	if err != nil {
		return false, 0, fmt.Errorf("recompute pending poi score: %w", notFound(err))
	}
	return hadVote, score, nil
}

func (t *Tx) castVote(ctx context.Context, table, column string, entityID, userID int64, vote int) (bool, error) {
	var existing int
	err := t.tx.QueryRowContext(ctx,
		`SELECT vote FROM `+table+` WHERE `+column+`=$1 AND user_id=$2`,
		entityID, userID,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("lookup vote: %w", err)
	}
	hadVote := err == nil

	if vote == 0 {
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE `+column+`=$1 AND user_id=$2`,
			entityID, userID,
		); err != nil {
			return false, fmt.Errorf("delete vote: %w", err)
		}
		return hadVote, nil
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO `+table+` (`+column+`, user_id, vote)
		VALUES ($1, $2, $3)
		ON CONFLICT (`+column+`, user_id)
		DO UPDATE SET vote=EXCLUDED.vote, updated_at=NOW()
	`, entityID, userID, vote); err != nil {
		return false, fmt.Errorf("upsert vote: %w", err)
	}
	return hadVote, nil
}

func (t *Tx) GetPendingPOIForUpdate(ctx context.Context, pendingPOIID int64) (PendingPOI, error) {
	var item PendingPOI
	err := t.tx.QueryRowContext(ctx, `
		SELECT `+pendingPOIColumns("pp")+`
		FROM pending_pois pp
		WHERE pp.id=$1
		FOR UPDATE
	`, pendingPOIID).Scan(pendingPOIDest(&item)...)
	if err != nil {
		return PendingPOI{}, notFound(err)
	}
	return item, nil
}

func (t *Tx) InsertPendingPOI(ctx context.Context, item PendingPOI) (PendingPOI, error) {
	var created PendingPOI
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO pending_pois (custom_poi_id, user_id, map_id, x, y, name, description, type, icon)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+pendingPOIColumns("pending_pois"),
		item.CustomPOIID, item.UserID, item.MapID, item.X, item.Y, item.Name, item.Description, item.Type, item.Icon,
	).Scan(pendingPOIDest(&created)...)
	if err != nil {
		return PendingPOI{}, fmt.Errorf("insert pending poi: %w", err)
	}
	return created, nil
}

func (t *Tx) DeletePendingPOI(ctx context.Context, pendingPOIID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM pending_pois WHERE id=$1`, pendingPOIID)
	if err != nil {
		return fmt.Errorf("delete pending poi: %w", err)
	}
	return expectRow(result, ErrNotFound)
}

func (t *Tx) GetCustomPOIForUpdate(ctx context.Context, customPOIID int64) (CustomPOI, error) {
	var item CustomPOI
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, map_id, x, y, name, description, type, icon, status, created_at
		FROM custom_pois
		WHERE id=$1
		FOR UPDATE
	`, customPOIID).Scan(
		&item.ID,
		&item.UserID,
		&item.MapID,
		&item.X,
		&item.Y,
		&item.Name,
		&item.Description,
		&item.Type,
		&item.Icon,
		&item.Status,
		&item.CreatedAt,
	)
	if err != nil {
		return CustomPOI{}, notFound(err)
	}
	return item, nil
}

// SetCustomPOIStatus returns the owner of the custom POI so callers can
// invalidate the owner's cached stats. A missing custom POI is reported as
// ErrNotFound.
func (t *Tx) SetCustomPOIStatus(ctx context.Context, customPOIID int64, status CustomPOIStatus) (int64, error) {
	var ownerID int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE custom_pois
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING user_id
	`, customPOIID, string(status)).Scan(&ownerID)
	if err != nil {
		return 0, notFound(err)
	}
	return ownerID, nil
}

func (t *Tx) DeleteCustomPOI(ctx context.Context, customPOIID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM custom_pois WHERE id=$1`, customPOIID)
	if err != nil {
		return fmt.Errorf("delete custom poi: %w", err)
	}
	return expectRow(result, ErrNotFound)
}

// InvalidateCustomPOIShares deactivates every active share of a custom POI,
// recording why and what the sharee should now look at.
func (t *Tx) InvalidateCustomPOIShares(ctx context.Context, customPOIID int64, reason string, snapshot []byte) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE custom_poi_shares
		SET is_active=FALSE, invalidation_reason=$2, invalidated_data=$3::jsonb, invalidated_at=NOW()
		WHERE custom_poi_id=$1 AND is_active
	`, customPOIID, reason, nullJSON(snapshot))
	if err != nil {
		return 0, fmt.Errorf("invalidate custom poi shares: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate custom poi shares: %w", err)
	}
	return int(affected), nil
}

func (t *Tx) InsertPOI(ctx context.Context, item POI) (POI, error) {
	var created POI
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO pois (map_id, x, y, name, description, type, icon, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, map_id, x, y, name, description, type, icon, created_by, created_at, updated_at
	`, item.MapID, item.X, item.Y, item.Name, item.Description, item.Type, item.Icon, item.CreatedBy).Scan(poiDest(&created)...)
	if err != nil {
		return POI{}, fmt.Errorf("insert poi: %w", err)
	}
	return created, nil
}

func (t *Tx) GetPOI(ctx context.Context, poiID int64) (POI, error) {
	var item POI
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, map_id, x, y, name, description, type, icon, created_by, created_at, updated_at
		FROM pois
		WHERE id=$1
	`, poiID).Scan(poiDest(&item)...)
	if err != nil {
		return POI{}, notFound(err)
	}
	return item, nil
}

func (t *Tx) MovePOI(ctx context.Context, poiID int64, x, y float64) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE pois SET x=$2, y=$3, updated_at=NOW() WHERE id=$1`, poiID, x, y)
	if err != nil {
		return fmt.Errorf("move poi: %w", err)
	}
	return expectRow(result, ErrNotFound)
}

func (t *Tx) UpdatePOI(ctx context.Context, poiID int64, fields Fields) error {
	return t.updateFields(ctx, "pois", poiEditable, poiID, fields)
}

func (t *Tx) DeletePOI(ctx context.Context, poiID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM pois WHERE id=$1`, poiID)
	if err != nil {
		return fmt.Errorf("delete poi: %w", err)
	}
	return expectRow(result, ErrNotFound)
}

func (t *Tx) InsertNPC(ctx context.Context, item NPC) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO npcs (npcid, name, npc_type, map_id, x, y, description, level, health, damage, armor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, item.NPCID, item.Name, item.NPCType, item.MapID, item.X, item.Y, item.Description,
		item.Level, item.Health, item.Damage, item.Armor).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert npc: %w", err)
	}
	return id, nil
}

func (t *Tx) UpdateNPC(ctx context.Context, npcID int64, fields Fields) error {
	return t.updateFields(ctx, "npcs", npcEditable, npcID, fields)
}

// ReplaceNPCLoot swaps the NPC's whole loot list for itemIDs.
func (t *Tx) ReplaceNPCLoot(ctx context.Context, npcID int64, itemIDs []int64) error {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM npcs WHERE id=$1)`, npcID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup npc: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM npc_loot WHERE npc_id=$1`, npcID); err != nil {
		return fmt.Errorf("clear npc loot: %w", err)
	}
	for _, itemID := range itemIDs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO npc_loot (npc_id, item_id)
			VALUES ($1, $2)
			ON CONFLICT (npc_id, item_id) DO NOTHING
		`, npcID, itemID); err != nil {
			return fmt.Errorf("insert npc loot: %w", err)
		}
	}
	return nil
}

func (t *Tx) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO items (name, description, item_type, rarity, level, value, weight, icon, icon_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, item.Name, item.Description, item.ItemType, item.Rarity, item.Level, item.Value, item.Weight,
		item.Icon, item.IconURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return id, nil
}

func (t *Tx) UpdateItem(ctx context.Context, itemID int64, fields Fields) error {
	return t.updateFields(ctx, "items", itemEditable, itemID, fields)
}

// AddUserXP applies delta to the user's running balance, floored at zero.
func (t *Tx) AddUserXP(ctx context.Context, userID int64, delta int) (int, error) {
	var balance int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE users SET xp = GREATEST(0, xp + $2) WHERE id=$1 RETURNING xp
	`, userID, delta).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("add user xp: %w", notFound(err))
	}
	return balance, nil
}

func (t *Tx) InsertXPHistory(ctx context.Context, entry XPHistory) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO xp_history (user_id, xp_change, reason, admin_id)
		VALUES ($1, $2, $3, $4)
	`, entry.UserID, entry.XPChange, entry.Reason, entry.AdminID); err != nil {
		return fmt.Errorf("insert xp history: %w", err)
	}
	return nil
}

var (
	poiEditable  = columnSet("map_id", "x", "y", "name", "description", "type", "icon")
	npcEditable  = columnSet("map_id", "x", "y", "description", "level", "health", "damage", "armor")
	itemEditable = columnSet("name", "description", "item_type", "rarity", "level", "value", "weight")
)

func columnSet(columns ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		set[column] = struct{}{}
	}
	return set
}

func (t *Tx) updateFields(ctx context.Context, table string, editable map[string]struct{}, id int64, fields Fields) error {
	if len(fields) == 0 {
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("lookup %s: %w", table, err)
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}

	columns := make([]string, 0, len(fields))
	for column := range fields {
		if _, ok := editable[column]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	sets := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	args = append(args, id)
	for i, column := range columns {
		sets = append(sets, fmt.Sprintf("%s=$%d", column, i+2))
		args = append(args, fields[column])
	}
	sets = append(sets, "updated_at=NOW()")

	result, err := t.tx.ExecContext(ctx,
		`UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE id=$1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return expectRow(result, ErrNotFound)
}

func poiDest(item *POI) []any {
	return []any{
		&item.ID,
		&item.MapID,
		&item.X,
		&item.Y,
		&item.Name,
		&item.Description,
		&item.Type,
		&item.Icon,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	}
}

func expectRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
