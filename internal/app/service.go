package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"wikimap/api/internal/cache"
	"wikimap/api/internal/change"
	"wikimap/api/internal/config"
	"wikimap/api/internal/logging"
	"wikimap/api/internal/metrics"
	"wikimap/api/internal/rbac"
	"wikimap/api/internal/search"
	"wikimap/api/internal/store"
	"wikimap/api/internal/xp"
)

// Viewer is the authenticated caller.
type Viewer struct {
	UserID     int64
	Name       string
	IsAdmin    bool
	SessionKey string
}

func (v Viewer) Role() rbac.Role {
	return rbac.RoleFor(v.IsAdmin)
}

// workflowTx is everything a moderation transition may touch. *store.Tx
// implements it.
type workflowTx interface {
	change.Target
	xp.LedgerTx

	GetProposalForUpdate(ctx context.Context, proposalID int64) (store.Proposal, error)
	InsertProposal(ctx context.Context, item store.Proposal) (store.Proposal, error)
	PendingDuplicateExists(ctx context.Context, changeType string, targetType *string, targetID *int64, proposerID int64) (bool, error)
	ApprovedDuplicateExists(ctx context.Context, proposal store.Proposal) (bool, error)
	DeleteProposal(ctx context.Context, proposalID int64) error
	ResolveProposal(ctx context.Context, proposalID int64, res store.Resolution) (store.Proposal, error)
	CastProposalVote(ctx context.Context, proposalID, userID int64, vote int) (bool, int, error)

	GetPendingPOIForUpdate(ctx context.Context, pendingPOIID int64) (store.PendingPOI, error)
	InsertPendingPOI(ctx context.Context, item store.PendingPOI) (store.PendingPOI, error)
	DeletePendingPOI(ctx context.Context, pendingPOIID int64) error
	CastPendingPOIVote(ctx context.Context, pendingPOIID, userID int64, vote int) (bool, int, error)

	GetCustomPOIForUpdate(ctx context.Context, customPOIID int64) (store.CustomPOI, error)
	SetCustomPOIStatus(ctx context.Context, customPOIID int64, status store.CustomPOIStatus) (int64, error)
}

type dataStore interface {
	xp.ConfigSource

	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(workflowTx) error) error
	GetUser(ctx context.Context, userID int64) (store.User, error)
	ListPendingProposals(ctx context.Context, viewerID int64) ([]store.ProposalSummary, error)
	GetProposalSummary(ctx context.Context, proposalID, viewerID int64) (store.ProposalSummary, error)
	ListPendingPOIs(ctx context.Context, viewerID int64) ([]store.PendingPOISummary, error)
	Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardEntry, error)
	UserStats(ctx context.Context, userID int64) (store.UserStats, error)
	TakeUnshownXP(ctx context.Context, userID int64) ([]store.XPHistory, error)
}

type poiIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexPOIs(pois []store.POI)
	DeletePOIs(ids []int64)
}

// pgStore adapts *store.PostgresStore to dataStore.
type pgStore struct {
	*store.PostgresStore
}

func (p pgStore) InTx(ctx context.Context, fn func(workflowTx) error) error {
	return p.PostgresStore.InTx(ctx, func(tx *store.Tx) error { return fn(tx) })
}

// Thresholds are the vote scores at which community review resolves on its
// own. Proposals only use Approve.
type Thresholds struct {
	Approve int
	Reject  int
}

const leaderboardSize = 10

type Service struct {
	store      dataStore
	ledger     *xp.Ledger
	rewards    *xp.Rewards
	caches     *cache.Registry
	index      poiIndex
	thresholds Thresholds
}

func New(cfg config.Config, data *store.PostgresStore, caches *cache.Registry, index *search.Service) (*Service, error) {
	xpCache, ok := caches.Lookup(cache.XPConfig)
	if !ok {
		return nil, fmt.Errorf("cache %q is not registered", cache.XPConfig)
	}
	ds := pgStore{data}
	var idx poiIndex
	if index != nil {
		idx = index
	}
	return newService(ds, xp.NewRewards(ds, xpCache), caches, idx, Thresholds{
		Approve: cfg.ApprovalThreshold,
		Reject:  cfg.RejectionThreshold,
	}), nil
}

func newService(ds dataStore, rewards *xp.Rewards, caches *cache.Registry, index poiIndex, thresholds Thresholds) *Service {
	return &Service{
		store:      ds,
		ledger:     xp.NewLedger(),
		rewards:    rewards,
		caches:     caches,
		index:      index,
		thresholds: thresholds,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// LoadViewer resolves the user behind a verified token.
func (s *Service) LoadViewer(ctx context.Context, userID int64, sessionKey string) (Viewer, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Viewer{}, unauthenticated()
	}
	if err != nil {
		return Viewer{}, err
	}
	return Viewer{UserID: user.ID, Name: user.Username, IsAdmin: user.IsAdmin, SessionKey: sessionKey}, nil
}

func (s *Service) require(viewer Viewer, action rbac.Action) error {
	if viewer.UserID == 0 {
		return unauthenticated()
	}
	if !rbac.Can(viewer.Role(), action) {
		return forbidden("Forbidden")
	}
	return nil
}

// effects collects what a committed transition changed so caches, the search
// index and metrics can be brought up to date afterwards.
type effects struct {
	rewards     xp.Amounts
	users       map[int64]struct{}
	upserted    []store.POI
	deleted     []int64
	resolutions []resolution
	votes       []castVote
}

type resolution struct {
	subject, status, via string
}

type castVote struct {
	subject string
	vote    int
}

func newEffects(rewards xp.Amounts) *effects {
	return &effects{rewards: rewards, users: map[int64]struct{}{}}
}

// touch marks a user whose XP, stats or POI visibility changed.
func (fx *effects) touch(userIDs ...int64) {
	for _, id := range userIDs {
		fx.users[id] = struct{}{}
	}
}

func (fx *effects) applied(res change.Result) {
	fx.upserted = append(fx.upserted, res.UpsertedPOIs...)
	fx.deleted = append(fx.deleted, res.DeletedPOIs...)
}

func (fx *effects) resolved(subject string, status store.ProposalStatus, via string) {
	fx.resolutions = append(fx.resolutions, resolution{subject: subject, status: string(status), via: via})
}

func (fx *effects) voted(subject string, vote int) {
	fx.votes = append(fx.votes, castVote{subject: subject, vote: vote})
}

// transition runs fn in one transaction and, once it has committed, drops
// the stale cache entries before returning. Reward amounts are loaded first
// so nothing inside the transaction needs a second connection.
func (s *Service) transition(ctx context.Context, fn func(tx workflowTx, fx *effects) error) error {
	rewards, err := s.rewards.Load(ctx)
	if err != nil {
		return err
	}
	fx := newEffects(rewards)
	if err := s.store.InTx(ctx, func(tx workflowTx) error { return fn(tx, fx) }); err != nil {
		return err
	}
	s.afterCommit(ctx, fx)
	return nil
}

func (s *Service) afterCommit(ctx context.Context, fx *effects) {
	if len(fx.users) > 0 {
		keys := make([]string, 0, len(fx.users))
		for id := range fx.users {
			keys = append(keys, strconv.FormatInt(id, 10))
		}
		if c, ok := s.caches.Lookup(cache.UserStats); ok {
			if err := c.Invalidate(ctx, keys...); err != nil {
				logging.Ctx(ctx).Error().Err(err).Strs("users", keys).Msg("invalidate user stats")
			}
		}
		if err := s.caches.Invalidate(ctx, cache.Leaderboard, cache.LeaderboardKey); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("invalidate leaderboard")
		}
	}
	if s.index != nil {
		s.index.IndexPOIs(fx.upserted)
		s.index.DeletePOIs(fx.deleted)
	}
	for _, v := range fx.votes {
		metrics.RecordVote(v.subject, v.vote)
	}
	for _, r := range fx.resolutions {
		metrics.RecordResolution(r.subject, r.status, r.via)
		logging.Ctx(ctx).Info().Str("subject", r.subject).Str("status", r.status).Str("via", r.via).Msg("review resolved")
	}
}

// award credits sign*amount of the configured reward for reason. A zero
// amount writes nothing.
func (s *Service) award(ctx context.Context, tx workflowTx, fx *effects, userID int64, reason string, sign int, adminID *int64) error {
	amount := fx.rewards.Get(ctx, reason)
	if amount == 0 {
		return nil
	}
	if _, err := s.ledger.Award(ctx, tx, userID, sign*amount, reason, adminID); err != nil {
		return err
	}
	fx.touch(userID)
	return nil
}

// storeError translates store sentinels into domain errors for the given
// subject ("proposal", "pending POI", ...).
func storeError(err error, subject string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(subject + " not found")
	case errors.Is(err, store.ErrNotPending):
		return conflict(subject + " already resolved")
	case errors.Is(err, store.ErrDuplicatePending):
		return conflict("an identical proposal is already pending")
	case errors.Is(err, store.ErrUnknownColumn):
		return invalidInput(err.Error(), nil)
	case errors.Is(err, change.ErrInvalid):
		return invalidInput(err.Error(), nil)
	default:
		return err
	}
}

func validVote(vote int) error {
	if vote != 1 && vote != -1 {
		return invalidInput("vote must be 1 or -1", nil)
	}
	return nil
}
