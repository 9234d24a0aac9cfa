package store

import "time"

type User struct {
	ID        int64
	Username  string
	XP        int
	IsAdmin   bool
	CreatedAt time.Time
}

type ProposalStatus string

const (
	StatusPending   ProposalStatus = "pending"
	StatusApproved  ProposalStatus = "approved"
	StatusRejected  ProposalStatus = "rejected"
	StatusWithdrawn ProposalStatus = "withdrawn"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s ProposalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusWithdrawn
}

type Proposal struct {
	ID           int64
	ChangeType   string
	TargetType   *string
	TargetID     *int64
	ProposerID   int64
	CurrentData  []byte
	ProposedData []byte
	AppliedData  []byte
	Notes        string
	VoteScore    int
	Status       ProposalStatus
	AdminID      *int64
	AdminAction  *string
	AdminNotes   *string
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProposalSummary is a proposal row joined with its vote breakdown and the
// viewer's own vote, as shown in the review queue.
type ProposalSummary struct {
	Proposal
	ProposerName string
	Upvotes      int
	Downvotes    int
	MyVote       int
}

// Resolution carries the fields written when a proposal leaves pending.
type Resolution struct {
	Status      ProposalStatus
	AdminID     *int64
	AdminAction *string
	AdminNotes  *string
	AppliedData []byte
}

type POI struct {
	ID          int64
	MapID       int64
	X           float64
	Y           float64
	Name        string
	Description string
	Type        string
	Icon        string
	CreatedBy   *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CustomPOIStatus string

const (
	CustomPOIPrivate CustomPOIStatus = "private"
	CustomPOIPending CustomPOIStatus = "pending"
)

type CustomPOI struct {
	ID          int64
	UserID      int64
	MapID       int64
	X           float64
	Y           float64
	Name        string
	Description string
	Type        string
	Icon        string
	Status      CustomPOIStatus
	CreatedAt   time.Time
}

type CustomPOIShare struct {
	ID                 int64
	CustomPOIID        int64
	SharedBy           int64
	SharedWith         int64
	IsActive           bool
	InvalidationReason *string
	InvalidatedData    []byte
	InvalidatedAt      *time.Time
}

type PendingPOI struct {
	ID          int64
	CustomPOIID int64
	UserID      int64
	MapID       int64
	X           float64
	Y           float64
	Name        string
	Description string
	Type        string
	Icon        string
	VoteScore   int
	CreatedAt   time.Time
}

type PendingPOISummary struct {
	PendingPOI
	CreatorName string
	Upvotes     int
	Downvotes   int
	MyVote      int
}

type NPC struct {
	ID          int64
	NPCID       string
	Name        string
	NPCType     string
	MapID       *int64
	X           *float64
	Y           *float64
	Description string
	Level       int
	Health      int
	Damage      int
	Armor       int
}

type Item struct {
	ID          int64
	Name        string
	Description string
	ItemType    string
	Rarity      string
	Level       int
	Value       int
	Weight      int
	Icon        string
	IconURL     string
}

type XPHistory struct {
	ID        int64
	UserID    int64
	XPChange  int
	Reason    string
	AdminID   *int64
	Shown     bool
	CreatedAt time.Time
}

type XPConfig struct {
	Key         string
	Value       int
	Description string
	UpdatedAt   time.Time
}

type LeaderboardEntry struct {
	UserID   int64
	Username string
	XP       int
	Rank     int
}

type UserStats struct {
	UserID            int64
	Username          string
	XP                int
	ProposalsTotal    int
	ProposalsApproved int
	ProposalsPending  int
	VotesCast         int
	PendingPOIs       int
}

// Fields is a sparse column→value update. Only whitelisted columns per table
// are accepted by the Update* methods.
type Fields map[string]any
