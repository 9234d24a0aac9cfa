package app

import (
	"context"
	"errors"

	"wikimap/api/internal/change"
	"wikimap/api/internal/rbac"
	"wikimap/api/internal/store"
	"wikimap/api/internal/xp"
)

const subjectPendingPOI = "pending POI"

func (s *Service) ListPendingPOIs(ctx context.Context, viewer Viewer) ([]PendingPOIView, error) {
	items, err := s.store.ListPendingPOIs(ctx, viewer.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]PendingPOIView, 0, len(items))
	for _, item := range items {
		views = append(views, pendingPOIView(item))
	}
	return views, nil
}

// PublishCustomPOI submits one of the caller's private custom POIs for
// community review, with the creator's own +1 already cast.
func (s *Service) PublishCustomPOI(ctx context.Context, viewer Viewer, customPOIID int64) (PendingPOIView, error) {
	if err := s.require(viewer, rbac.ActionPublish); err != nil {
		return PendingPOIView{}, err
	}

	var created store.PendingPOI
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		custom, err := tx.GetCustomPOIForUpdate(ctx, customPOIID)
		if err != nil {
			return storeError(err, "custom POI")
		}
		if custom.UserID != viewer.UserID {
			return forbidden("only the owner can publish a custom POI")
		}
		if custom.Status != store.CustomPOIPrivate {
			return conflict("custom POI is already awaiting review")
		}
		if _, err := tx.SetCustomPOIStatus(ctx, custom.ID, store.CustomPOIPending); err != nil {
			return storeError(err, "custom POI")
		}

		created, err = tx.InsertPendingPOI(ctx, store.PendingPOI{
			CustomPOIID: custom.ID,
			UserID:      viewer.UserID,
			MapID:       custom.MapID,
			X:           custom.X,
			Y:           custom.Y,
			Name:        custom.Name,
			Description: custom.Description,
			Type:        custom.Type,
			Icon:        custom.Icon,
		})
		if err != nil {
			return err
		}
		_, score, err := tx.CastPendingPOIVote(ctx, created.ID, viewer.UserID, 1)
		if err != nil {
			return err
		}
		created.VoteScore = score
		fx.touch(viewer.UserID)
		return s.award(ctx, tx, fx, viewer.UserID, xp.ReasonPOIPublish, 1, nil)
	})
	if err != nil {
		return PendingPOIView{}, err
	}
	return pendingPOIView(store.PendingPOISummary{
		PendingPOI:  created,
		CreatorName: viewer.Name,
		Upvotes:     1,
		MyVote:      1,
	}), nil
}

// VotePendingPOI records +1 or -1. Unlike proposals both thresholds resolve
// the submission, and the creator voting -1 withdraws it.
func (s *Service) VotePendingPOI(ctx context.Context, viewer Viewer, pendingPOIID int64, vote int) (PendingPOIOutcome, error) {
	if err := validVote(vote); err != nil {
		return PendingPOIOutcome{}, err
	}
	return s.castPendingPOIVote(ctx, viewer, pendingPOIID, vote)
}

func (s *Service) ClearPendingPOIVote(ctx context.Context, viewer Viewer, pendingPOIID int64) (PendingPOIOutcome, error) {
	return s.castPendingPOIVote(ctx, viewer, pendingPOIID, 0)
}

func (s *Service) castPendingPOIVote(ctx context.Context, viewer Viewer, pendingPOIID int64, vote int) (PendingPOIOutcome, error) {
	if err := s.require(viewer, rbac.ActionVote); err != nil {
		return PendingPOIOutcome{}, err
	}

	outcome := PendingPOIOutcome{ID: pendingPOIID, MyVote: vote}
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		pp, err := tx.GetPendingPOIForUpdate(ctx, pendingPOIID)
		if err != nil {
			return storeError(err, subjectPendingPOI)
		}

		isCreator := pp.UserID == viewer.UserID
		if isCreator && vote == 0 {
			return invalidInput("creators cannot clear their own vote; vote -1 to withdraw", nil)
		}
		if isCreator && vote == -1 {
			outcome.VoteScore = pp.VoteScore
			outcome.Status = PendingPOIWithdrawn
			return s.rejectPendingPOI(ctx, tx, fx, pp, PendingPOIWithdrawn, "creator", nil)
		}

		_, score, err := tx.CastPendingPOIVote(ctx, pp.ID, viewer.UserID, vote)
		if err != nil {
			return storeError(err, subjectPendingPOI)
		}
		if vote != 0 {
			fx.voted("pending_poi", vote)
		}
		pp.VoteScore = score
		outcome.VoteScore = score
		outcome.Status = PendingPOIPending

		switch {
		case score >= s.thresholds.Approve:
			poi, err := s.mergePendingPOI(ctx, tx, fx, pp, "community", nil)
			if err != nil {
				return err
			}
			outcome.Status = PendingPOIPublished
			outcome.POIID = &poi.ID
		case score <= s.thresholds.Reject:
			outcome.Status = PendingPOIRejected
			return s.rejectPendingPOI(ctx, tx, fx, pp, PendingPOIRejected, "community", nil)
		}
		return nil
	})
	if err != nil {
		return PendingPOIOutcome{}, err
	}
	return outcome, nil
}

// ForcePublish merges a pending POI regardless of its score.
func (s *Service) ForcePublish(ctx context.Context, admin Viewer, pendingPOIID int64) (PendingPOIOutcome, error) {
	if err := s.require(admin, rbac.ActionModerate); err != nil {
		return PendingPOIOutcome{}, err
	}
	adminID := admin.UserID
	outcome := PendingPOIOutcome{ID: pendingPOIID, Status: PendingPOIPublished}
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		pp, err := tx.GetPendingPOIForUpdate(ctx, pendingPOIID)
		if err != nil {
			return storeError(err, subjectPendingPOI)
		}
		poi, err := s.mergePendingPOI(ctx, tx, fx, pp, "admin", &adminID)
		if err != nil {
			return err
		}
		outcome.VoteScore = pp.VoteScore
		outcome.POIID = &poi.ID
		return nil
	})
	if err != nil {
		return PendingPOIOutcome{}, err
	}
	return outcome, nil
}

// ForceReject sends a pending POI back to its creator regardless of its score.
func (s *Service) ForceReject(ctx context.Context, admin Viewer, pendingPOIID int64) (PendingPOIOutcome, error) {
	if err := s.require(admin, rbac.ActionModerate); err != nil {
		return PendingPOIOutcome{}, err
	}
	adminID := admin.UserID
	outcome := PendingPOIOutcome{ID: pendingPOIID, Status: PendingPOIRejected}
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		pp, err := tx.GetPendingPOIForUpdate(ctx, pendingPOIID)
		if err != nil {
			return storeError(err, subjectPendingPOI)
		}
		outcome.VoteScore = pp.VoteScore
		return s.rejectPendingPOI(ctx, tx, fx, pp, PendingPOIRejected, "admin", &adminID)
	})
	if err != nil {
		return PendingPOIOutcome{}, err
	}
	return outcome, nil
}

// mergePendingPOI publishes the submission through the same add_poi path
// proposals use, which also retires the custom POI and its shares.
func (s *Service) mergePendingPOI(ctx context.Context, tx workflowTx, fx *effects, pp store.PendingPOI, via string, adminID *int64) (store.POI, error) {
	if err := tx.DeletePendingPOI(ctx, pp.ID); err != nil {
		return store.POI{}, storeError(err, subjectPendingPOI)
	}
	customID := pp.CustomPOIID
	res, err := change.Apply(ctx, tx, change.AddPOI{
		POI: change.POIData{
			MapID:       pp.MapID,
			X:           pp.X,
			Y:           pp.Y,
			Name:        pp.Name,
			Description: pp.Description,
			Type:        pp.Type,
			Icon:        pp.Icon,
			CustomPOIID: &customID,
		},
		ProposerID: pp.UserID,
	})
	if err != nil {
		return store.POI{}, storeError(err, "POI")
	}
	fx.applied(res)
	if err := s.award(ctx, tx, fx, pp.UserID, xp.ReasonPOIApproved, 1, adminID); err != nil {
		return store.POI{}, err
	}
	fx.touch(pp.UserID)
	fx.resolved("pending_poi", store.StatusApproved, via)

	var poi store.POI
	if len(res.UpsertedPOIs) > 0 {
		poi = res.UpsertedPOIs[0]
	}
	return poi, nil
}

// rejectPendingPOI drops the submission, returns the custom POI to private
// and takes back the publish reward.
func (s *Service) rejectPendingPOI(ctx context.Context, tx workflowTx, fx *effects, pp store.PendingPOI, status, via string, adminID *int64) error {
	if err := tx.DeletePendingPOI(ctx, pp.ID); err != nil {
		return storeError(err, subjectPendingPOI)
	}
	if _, err := tx.SetCustomPOIStatus(ctx, pp.CustomPOIID, store.CustomPOIPrivate); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := s.award(ctx, tx, fx, pp.UserID, xp.ReasonPOIPendingRemove, -1, adminID); err != nil {
		return err
	}
	fx.touch(pp.UserID)
	fx.resolved("pending_poi", store.ProposalStatus(status), via)
	return nil
}
