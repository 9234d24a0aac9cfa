package app

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"wikimap/api/internal/change"
	"wikimap/api/internal/rbac"
	"wikimap/api/internal/store"
	"wikimap/api/internal/validation"
	"wikimap/api/internal/xp"
)

const subjectProposal = "proposal"

type SubmitProposalInput struct {
	ChangeType   string          `json:"change_type" validate:"required"`
	TargetType   *string         `json:"target_type"`
	TargetID     *int64          `json:"target_id"`
	CurrentData  json.RawMessage `json:"current_data"`
	ProposedData json.RawMessage `json:"proposed_data" validate:"required"`
	Notes        string          `json:"notes" validate:"max=2000"`
}

type AdminActionInput struct {
	Action     string          `json:"action" validate:"required,oneof=approved rejected"`
	Notes      string          `json:"notes" validate:"max=2000"`
	EditedData json.RawMessage `json:"edited_data"`
}

type VoteResult struct {
	ID        int64                `json:"id"`
	VoteScore int                  `json:"vote_score"`
	Status    store.ProposalStatus `json:"status"`
	MyVote    int                  `json:"my_vote"`
}

func (s *Service) ListProposals(ctx context.Context, viewer Viewer) ([]ProposalView, error) {
	items, err := s.store.ListPendingProposals(ctx, viewer.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]ProposalView, 0, len(items))
	for _, item := range items {
		views = append(views, proposalView(item))
	}
	return views, nil
}

func (s *Service) GetProposal(ctx context.Context, viewer Viewer, proposalID int64) (ProposalView, error) {
	item, err := s.store.GetProposalSummary(ctx, proposalID, viewer.UserID)
	if err != nil {
		return ProposalView{}, storeError(err, subjectProposal)
	}
	return proposalView(item), nil
}

// SubmitProposal creates a pending proposal carrying the proposer's own +1.
// An add_poi backed by a custom POI moves that POI into review.
func (s *Service) SubmitProposal(ctx context.Context, viewer Viewer, input SubmitProposalInput) (ProposalView, error) {
	if err := s.require(viewer, rbac.ActionPropose); err != nil {
		return ProposalView{}, err
	}
	if err := validation.Struct(input); err != nil {
		return ProposalView{}, validationError(err)
	}
	kind, err := change.ParseKind(input.ChangeType)
	if err != nil {
		return ProposalView{}, invalidInput(err.Error(), nil)
	}

	targetType, targetID, err := proposalTarget(kind, input.TargetType, input.TargetID)
	if err != nil {
		return ProposalView{}, err
	}
	decoded, err := change.Decode(kind, targetID, viewer.UserID, input.CurrentData, input.ProposedData)
	if err != nil {
		return ProposalView{}, storeError(err, subjectProposal)
	}

	var created store.Proposal
	err = s.transition(ctx, func(tx workflowTx, fx *effects) error {
		if customID, ok := change.CustomPOIID(decoded); ok {
			if err := stageCustomPOI(ctx, tx, viewer, customID); err != nil {
				return err
			}
		}

		dup, err := tx.PendingDuplicateExists(ctx, string(kind), targetType, targetID, viewer.UserID)
		if err != nil {
			return err
		}
		if dup {
			return storeError(store.ErrDuplicatePending, subjectProposal)
		}

		created, err = tx.InsertProposal(ctx, store.Proposal{
			ChangeType:   string(kind),
			TargetType:   targetType,
			TargetID:     targetID,
			ProposerID:   viewer.UserID,
			CurrentData:  input.CurrentData,
			ProposedData: input.ProposedData,
			Notes:        strings.TrimSpace(input.Notes),
		})
		if err != nil {
			return storeError(err, subjectProposal)
		}
		_, score, err := tx.CastProposalVote(ctx, created.ID, viewer.UserID, 1)
		if err != nil {
			return err
		}
		created.VoteScore = score
		fx.touch(viewer.UserID)
		return nil
	})
	if err != nil {
		return ProposalView{}, err
	}
	return proposalView(store.ProposalSummary{
		Proposal:     created,
		ProposerName: viewer.Name,
		Upvotes:      1,
		MyVote:       1,
	}), nil
}

func proposalTarget(kind change.Kind, targetType *string, targetID *int64) (*string, *int64, error) {
	if kind.Creates() {
		return nil, nil, nil
	}
	want := kind.TargetType()
	if targetType != nil && *targetType != want {
		return nil, nil, invalidInput(string(kind)+" must target a "+want, nil)
	}
	if targetID == nil || *targetID <= 0 {
		return nil, nil, invalidInput(string(kind)+" requires target_id", nil)
	}
	return &want, targetID, nil
}

func stageCustomPOI(ctx context.Context, tx workflowTx, viewer Viewer, customPOIID int64) error {
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
	_, err = tx.SetCustomPOIStatus(ctx, customPOIID, store.CustomPOIPending)
	return err
}

// VoteProposal records +1 or -1. The proposer voting -1 withdraws the
// proposal.
func (s *Service) VoteProposal(ctx context.Context, viewer Viewer, proposalID int64, vote int) (VoteResult, error) {
	if err := validVote(vote); err != nil {
		return VoteResult{}, err
	}
	return s.castProposalVote(ctx, viewer, proposalID, vote)
}

// ClearProposalVote removes the caller's vote (abstain).
func (s *Service) ClearProposalVote(ctx context.Context, viewer Viewer, proposalID int64) (VoteResult, error) {
	return s.castProposalVote(ctx, viewer, proposalID, 0)
}

func (s *Service) castProposalVote(ctx context.Context, viewer Viewer, proposalID int64, vote int) (VoteResult, error) {
	if err := s.require(viewer, rbac.ActionVote); err != nil {
		return VoteResult{}, err
	}

	result := VoteResult{ID: proposalID, MyVote: vote}
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		p, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return storeError(err, subjectProposal)
		}
		if p.Status != store.StatusPending {
			return conflict("proposal already resolved")
		}

		isProposer := p.ProposerID == viewer.UserID
		if isProposer && vote == 0 {
			return invalidInput("proposers cannot clear their own vote; vote -1 to withdraw", nil)
		}
		if isProposer && vote == -1 {
			withdrawn, err := s.withdrawProposal(ctx, tx, fx, p)
			if err != nil {
				return err
			}
			result.VoteScore = withdrawn.VoteScore
			result.Status = withdrawn.Status
			return nil
		}

		hadVote, score, err := tx.CastProposalVote(ctx, p.ID, viewer.UserID, vote)
		if err != nil {
			return storeError(err, subjectProposal)
		}
		fx.touch(viewer.UserID)
		if vote != 0 {
			fx.voted(subjectProposal, vote)
		}
		// The first-vote reward follows the vote row: clearing a vote takes
		// it back, so abstain-and-revote cannot farm it.
		if !isProposer {
			switch {
			case vote != 0 && !hadVote:
				err = s.award(ctx, tx, fx, viewer.UserID, xp.ReasonProposalVote, 1, nil)
			case vote == 0 && hadVote:
				err = s.award(ctx, tx, fx, viewer.UserID, xp.ReasonProposalVote, -1, nil)
			}
			if err != nil {
				return err
			}
		}

		result.VoteScore = score
		result.Status = store.StatusPending
		if score >= s.thresholds.Approve {
			p.VoteScore = score
			approved, err := s.approveProposal(ctx, tx, fx, p, approval{via: "community"})
			if err != nil {
				return err
			}
			result.Status = approved.Status
		}
		return nil
	})
	if err != nil {
		return VoteResult{}, err
	}
	return result, nil
}

// DeleteProposal hard-deletes a pending proposal on behalf of its proposer.
func (s *Service) DeleteProposal(ctx context.Context, viewer Viewer, proposalID int64) error {
	if err := s.require(viewer, rbac.ActionPropose); err != nil {
		return err
	}
	return s.transition(ctx, func(tx workflowTx, fx *effects) error {
		p, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return storeError(err, subjectProposal)
		}
		if p.ProposerID != viewer.UserID {
			return forbidden("only the proposer can delete a proposal")
		}
		if p.Status != store.StatusPending {
			return conflict("only pending proposals can be deleted")
		}
		if err := tx.DeleteProposal(ctx, p.ID); err != nil {
			return storeError(err, subjectProposal)
		}
		if err := releaseCustomPOI(ctx, tx, p); err != nil {
			return err
		}
		fx.touch(viewer.UserID)
		return nil
	})
}

// AdminAction approves or rejects a pending proposal regardless of its score.
func (s *Service) AdminAction(ctx context.Context, admin Viewer, proposalID int64, input AdminActionInput) (ProposalView, error) {
	if err := s.require(admin, rbac.ActionModerate); err != nil {
		return ProposalView{}, err
	}
	if err := validation.Struct(input); err != nil {
		return ProposalView{}, validationError(err)
	}

	adminID := admin.UserID
	action := input.Action
	notes := strings.TrimSpace(input.Notes)
	var resolved store.Proposal
	err := s.transition(ctx, func(tx workflowTx, fx *effects) error {
		p, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return storeError(err, subjectProposal)
		}
		if p.Status != store.StatusPending {
			return conflict("proposal already resolved")
		}

		decision := approval{via: "admin", adminID: &adminID, action: &action, notes: &notes}
		if action == string(store.StatusApproved) {
			if len(input.EditedData) > 0 && string(input.EditedData) != "null" {
				decision.edited = input.EditedData
			}
			resolved, err = s.approveProposal(ctx, tx, fx, p, decision)
			return err
		}

		resolved, err = tx.ResolveProposal(ctx, p.ID, store.Resolution{
			Status:      store.StatusRejected,
			AdminID:     decision.adminID,
			AdminAction: decision.action,
			AdminNotes:  decision.notes,
		})
		if err != nil {
			return storeError(err, subjectProposal)
		}
		if err := releaseCustomPOI(ctx, tx, p); err != nil {
			return err
		}
		fx.touch(p.ProposerID)
		fx.resolved(subjectProposal, store.StatusRejected, decision.via)
		return nil
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.GetProposal(ctx, admin, resolved.ID)
}

type approval struct {
	via     string
	adminID *int64
	action  *string
	notes   *string
	edited  []byte
}

// approveProposal is the single approval path shared by community
// auto-approval and admin approval: resolve, apply the change, credit the
// proposer.
func (s *Service) approveProposal(ctx context.Context, tx workflowTx, fx *effects, p store.Proposal, decision approval) (store.Proposal, error) {
	kind, err := change.ParseKind(p.ChangeType)
	if err != nil {
		return store.Proposal{}, invalidInput(err.Error(), nil)
	}
	data := p.ProposedData
	if decision.edited != nil {
		data = decision.edited
	}
	decoded, err := change.Decode(kind, p.TargetID, p.ProposerID, p.CurrentData, data)
	if err != nil {
		return store.Proposal{}, storeError(err, subjectProposal)
	}

	if kind.Creates() && decision.adminID != nil {
		candidate := p
		candidate.ProposedData = data
		dup, err := tx.ApprovedDuplicateExists(ctx, candidate)
		if err != nil {
			return store.Proposal{}, err
		}
		if dup {
			return store.Proposal{}, conflict("an approved proposal already created this " + targetNoun(kind))
		}
	}

	resolved, err := tx.ResolveProposal(ctx, p.ID, store.Resolution{
		Status:      store.StatusApproved,
		AdminID:     decision.adminID,
		AdminAction: decision.action,
		AdminNotes:  decision.notes,
		AppliedData: decision.edited,
	})
	if err != nil {
		return store.Proposal{}, storeError(err, subjectProposal)
	}

	res, err := change.Apply(ctx, tx, decoded)
	if err != nil {
		return store.Proposal{}, storeError(err, targetNoun(kind))
	}
	fx.applied(res)

	if err := s.award(ctx, tx, fx, p.ProposerID, xp.ReasonChangeApproved, 1, decision.adminID); err != nil {
		return store.Proposal{}, err
	}
	fx.touch(p.ProposerID)
	fx.resolved(subjectProposal, store.StatusApproved, decision.via)
	return resolved, nil
}

func (s *Service) withdrawProposal(ctx context.Context, tx workflowTx, fx *effects, p store.Proposal) (store.Proposal, error) {
	withdrawn, err := tx.ResolveProposal(ctx, p.ID, store.Resolution{Status: store.StatusWithdrawn})
	if err != nil {
		return store.Proposal{}, storeError(err, subjectProposal)
	}
	if err := releaseCustomPOI(ctx, tx, p); err != nil {
		return store.Proposal{}, err
	}
	fx.touch(p.ProposerID)
	fx.resolved(subjectProposal, store.StatusWithdrawn, "proposer")
	return withdrawn, nil
}

// releaseCustomPOI returns the custom POI behind an add_poi proposal to
// private. A custom POI that no longer exists is ignored.
func releaseCustomPOI(ctx context.Context, tx workflowTx, p store.Proposal) error {
	if p.ChangeType != string(change.KindAddPOI) {
		return nil
	}
	var payload struct {
		CustomPOIID *int64 `json:"custom_poi_id"`
	}
	if err := json.Unmarshal(p.ProposedData, &payload); err != nil || payload.CustomPOIID == nil {
		return nil
	}
	_, err := tx.SetCustomPOIStatus(ctx, *payload.CustomPOIID, store.CustomPOIPrivate)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func targetNoun(kind change.Kind) string {
	switch kind {
	case change.KindAddItem, change.KindEditItem:
		return "item"
	case change.KindAddNPC, change.KindEditNPC, change.KindChangeLoot:
		return "NPC"
	default:
		return "POI"
	}
}

func validationError(err error) error {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return invalidInput(verr.Error(), verr.Fields)
	}
	return invalidInput(err.Error(), nil)
}
