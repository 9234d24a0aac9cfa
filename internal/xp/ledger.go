// Package xp maintains user experience points: the append-only ledger and the
// admin-tunable reward amounts.
package xp

import (
	"context"
	"fmt"

	"wikimap/api/internal/metrics"
	"wikimap/api/internal/store"
)

// Reward keys stored in xp_config.
const (
	ReasonChangeApproved   = "change_approved"
	ReasonProposalVote     = "proposal_vote"
	ReasonPOIPublish       = "poi_publish"
	ReasonPOIApproved      = "poi_approved"
	ReasonPOIPendingRemove = "poi_pending_remove"
)

// LedgerTx is the slice of a store transaction the ledger writes through.
type LedgerTx interface {
	AddUserXP(ctx context.Context, userID int64, delta int) (int, error)
	InsertXPHistory(ctx context.Context, entry store.XPHistory) error
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Award applies delta to the user's balance (floored at 0) and appends one
// history row, both on tx. It never commits.
func (l *Ledger) Award(ctx context.Context, tx LedgerTx, userID int64, delta int, reason string, adminID *int64) (int, error) {
	balance, err := tx.AddUserXP(ctx, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("award %s to user %d: %w", reason, userID, err)
	}
	if err := tx.InsertXPHistory(ctx, store.XPHistory{
		UserID:   userID,
		XPChange: delta,
		Reason:   reason,
		AdminID:  adminID,
	}); err != nil {
		return 0, fmt.Errorf("award %s to user %d: %w", reason, userID, err)
	}
	metrics.RecordXP(reason, delta)
	return balance, nil
}
