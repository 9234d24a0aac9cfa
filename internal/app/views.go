package app

import (
	"time"

	"github.com/goccy/go-json"

	"wikimap/api/internal/store"
)

type ProposalView struct {
	ID           int64                `json:"id"`
	ChangeType   string               `json:"change_type"`
	TargetType   *string              `json:"target_type"`
	TargetID     *int64               `json:"target_id"`
	ProposerID   int64                `json:"proposer_id"`
	ProposerName string               `json:"proposer_name,omitempty"`
	CurrentData  json.RawMessage      `json:"current_data"`
	ProposedData json.RawMessage      `json:"proposed_data"`
	AppliedData  json.RawMessage      `json:"applied_data,omitempty"`
	Notes        string               `json:"notes"`
	VoteScore    int                  `json:"vote_score"`
	Upvotes      int                  `json:"upvotes"`
	Downvotes    int                  `json:"downvotes"`
	VoterCount   int                  `json:"voter_count"`
	MyVote       int                  `json:"my_vote"`
	Status       store.ProposalStatus `json:"status"`
	AdminID      *int64               `json:"admin_id"`
	AdminAction  *string              `json:"admin_action"`
	AdminNotes   *string              `json:"admin_notes"`
	ResolvedAt   *time.Time           `json:"resolved_at"`
	CreatedAt    time.Time            `json:"created_at"`
}

func proposalView(item store.ProposalSummary) ProposalView {
	return ProposalView{
		ID:           item.ID,
		ChangeType:   item.ChangeType,
		TargetType:   item.TargetType,
		TargetID:     item.TargetID,
		ProposerID:   item.ProposerID,
		ProposerName: item.ProposerName,
		CurrentData:  rawJSON(item.CurrentData),
		ProposedData: rawJSON(item.ProposedData),
		AppliedData:  rawJSON(item.AppliedData),
		Notes:        item.Notes,
		VoteScore:    item.VoteScore,
		Upvotes:      item.Upvotes,
		Downvotes:    item.Downvotes,
		VoterCount:   item.Upvotes + item.Downvotes,
		MyVote:       item.MyVote,
		Status:       item.Status,
		AdminID:      item.AdminID,
		AdminAction:  item.AdminAction,
		AdminNotes:   item.AdminNotes,
		ResolvedAt:   item.ResolvedAt,
		CreatedAt:    item.CreatedAt,
	}
}

type PendingPOIView struct {
	ID          int64     `json:"id"`
	CustomPOIID int64     `json:"custom_poi_id"`
	UserID      int64     `json:"user_id"`
	CreatorName string    `json:"creator_name,omitempty"`
	MapID       int64     `json:"map_id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Icon        string    `json:"icon"`
	VoteScore   int       `json:"vote_score"`
	Upvotes     int       `json:"upvotes"`
	Downvotes   int       `json:"downvotes"`
	MyVote      int       `json:"my_vote"`
	CreatedAt   time.Time `json:"created_at"`
}

func pendingPOIView(item store.PendingPOISummary) PendingPOIView {
	return PendingPOIView{
		ID:          item.ID,
		CustomPOIID: item.CustomPOIID,
		UserID:      item.UserID,
		CreatorName: item.CreatorName,
		MapID:       item.MapID,
		X:           item.X,
		Y:           item.Y,
		Name:        item.Name,
		Description: item.Description,
		Type:        item.Type,
		Icon:        item.Icon,
		VoteScore:   item.VoteScore,
		Upvotes:     item.Upvotes,
		Downvotes:   item.Downvotes,
		MyVote:      item.MyVote,
		CreatedAt:   item.CreatedAt,
	}
}

// PendingPOIOutcome is what a vote or force action on a pending POI did.
// POIID is set once the submission has been merged into the public map.
type PendingPOIOutcome struct {
	ID        int64  `json:"id"`
	VoteScore int    `json:"vote_score"`
	Status    string `json:"status"`
	MyVote    int    `json:"my_vote,omitempty"`
	POIID     *int64 `json:"poi_id,omitempty"`
}

// Pending POI outcomes.
const (
	PendingPOIPending   = "pending"
	PendingPOIPublished = "published"
	PendingPOIRejected  = "rejected"
	PendingPOIWithdrawn = "withdrawn"
)

type LeaderboardEntryView struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	XP       int    `json:"xp"`
}

type UserStatsView struct {
	UserID            int64  `json:"user_id"`
	Username          string `json:"username"`
	XP                int    `json:"xp"`
	ProposalsTotal    int    `json:"proposals_total"`
	ProposalsApproved int    `json:"proposals_approved"`
	ProposalsPending  int    `json:"proposals_pending"`
	VotesCast         int    `json:"votes_cast"`
	PendingPOIs       int    `json:"pending_pois"`
}

type XPEventView struct {
	ID        int64     `json:"id"`
	XPChange  int       `json:"xp_change"`
	Reason    string    `json:"reason"`
	AdminID   *int64    `json:"admin_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type XPConfigView struct {
	Key         string    `json:"key"`
	Value       int       `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func xpConfigView(item store.XPConfig) XPConfigView {
	return XPConfigView{Key: item.Key, Value: item.Value, Description: item.Description, UpdatedAt: item.UpdatedAt}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
