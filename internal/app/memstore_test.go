package app

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wikimap/api/internal/store"
)

// memStore is an in-memory dataStore. InTx runs against a copy of the state
// and only swaps it in when fn succeeds, so a failed transition leaves no
// trace, exactly like a rolled-back database transaction.
//
// A production transaction pins one pool connection, so any store read made
// while it is open would need a second one. The fake panics on such reads
// rather than blocking on mu.
type memStore struct {
	mu      sync.Mutex
	txOpen  atomic.Bool
	state   *memState
	failOn  map[string]error
	commits int
}

type memState struct {
	nextID        int64
	users         map[int64]store.User
	proposals     map[int64]store.Proposal
	proposalVotes map[int64]map[int64]int
	pendingPOIs   map[int64]store.PendingPOI
	pendingVotes  map[int64]map[int64]int
	customPOIs    map[int64]store.CustomPOI
	shares        map[int64]store.CustomPOIShare
	pois          map[int64]store.POI
	npcs          map[int64]store.NPC
	loot          map[int64][]int64
	items         map[int64]store.Item
	history       []store.XPHistory
	xpConfig      map[string]store.XPConfig
}

func newMemStore() *memStore {
	return &memStore{
		failOn: map[string]error{},
		state: &memState{
			nextID:        1000,
			users:         map[int64]store.User{},
			proposals:     map[int64]store.Proposal{},
			proposalVotes: map[int64]map[int64]int{},
			pendingPOIs:   map[int64]store.PendingPOI{},
			pendingVotes:  map[int64]map[int64]int{},
			customPOIs:    map[int64]store.CustomPOI{},
			shares:        map[int64]store.CustomPOIShare{},
			pois:          map[int64]store.POI{},
			npcs:          map[int64]store.NPC{},
			loot:          map[int64][]int64{},
			items:         map[int64]store.Item{},
			xpConfig: map[string]store.XPConfig{
				"change_approved":    {Key: "change_approved", Value: 50},
				"proposal_vote":      {Key: "proposal_vote", Value: 2},
				"poi_publish":        {Key: "poi_publish", Value: 5},
				"poi_approved":       {Key: "poi_approved", Value: 25},
				"poi_pending_remove": {Key: "poi_pending_remove", Value: 5},
			},
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:        s.nextID,
		users:         cloneMap(s.users),
		proposals:     cloneMap(s.proposals),
		proposalVotes: map[int64]map[int64]int{},
		pendingPOIs:   cloneMap(s.pendingPOIs),
		pendingVotes:  map[int64]map[int64]int{},
		customPOIs:    cloneMap(s.customPOIs),
		shares:        cloneMap(s.shares),
		pois:          cloneMap(s.pois),
		npcs:          cloneMap(s.npcs),
		loot:          map[int64][]int64{},
		items:         cloneMap(s.items),
		history:       append([]store.XPHistory(nil), s.history...),
		xpConfig:      cloneMap(s.xpConfig),
	}
	for id, votes := range s.proposalVotes {
		c.proposalVotes[id] = cloneMap(votes)
	}
	for id, votes := range s.pendingVotes {
		c.pendingVotes[id] = cloneMap(votes)
	}
	for id, ids := range s.loot {
		c.loot[id] = append([]int64(nil), ids...)
	}
	return c
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// Seeding helpers, used outside transactions.

func (m *memStore) addUser(id int64, name string, admin bool) {
	m.state.users[id] = store.User{ID: id, Username: name, IsAdmin: admin}
}

func (m *memStore) addCustomPOI(id, owner int64) {
	m.state.customPOIs[id] = store.CustomPOI{
		ID: id, UserID: owner, MapID: 1, X: 100, Y: 100, Name: "Hidden cave", Status: store.CustomPOIPrivate,
	}
}

func (m *memStore) addShare(id, customPOIID, by, with int64) {
	m.state.shares[id] = store.CustomPOIShare{ID: id, CustomPOIID: customPOIID, SharedBy: by, SharedWith: with, IsActive: true}
}

func (m *memStore) addPOI(poi store.POI) {
	m.state.pois[poi.ID] = poi
}

func (m *memStore) snapshot() *memState {
	m.lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// dataStore

func (m *memStore) Ping(context.Context) error { return m.failOn["Ping"] }

func (m *memStore) lock() {
	if m.txOpen.Load() {
		panic("memStore: store read while a transaction is open")
	}
	m.mu.Lock()
}

func (m *memStore) InTx(ctx context.Context, fn func(workflowTx) error) error {
	m.lock()
	defer m.mu.Unlock()
	m.txOpen.Store(true)
	defer m.txOpen.Store(false)
	work := m.state.clone()
	if err := fn(&memTx{s: work, failOn: m.failOn}); err != nil {
		return err
	}
	m.state = work
	m.commits++
	return nil
}

func (m *memStore) GetUser(_ context.Context, userID int64) (store.User, error) {
	m.lock()
	defer m.mu.Unlock()
	user, ok := m.state.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) summary(p store.Proposal, viewerID int64) store.ProposalSummary {
	out := store.ProposalSummary{Proposal: p, ProposerName: m.state.users[p.ProposerID].Username}
	for userID, vote := range m.state.proposalVotes[p.ID] {
		if vote > 0 {
			out.Upvotes++
		} else {
			out.Downvotes++
		}
		if userID == viewerID {
			out.MyVote = vote
		}
	}
	return out
}

func (m *memStore) ListPendingProposals(_ context.Context, viewerID int64) ([]store.ProposalSummary, error) {
	m.lock()
	defer m.mu.Unlock()
	out := []store.ProposalSummary{}
	for _, p := range m.state.proposals {
		if p.Status == store.StatusPending {
			out = append(out, m.summary(p, viewerID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetProposalSummary(_ context.Context, proposalID, viewerID int64) (store.ProposalSummary, error) {
	m.lock()
	defer m.mu.Unlock()
	p, ok := m.state.proposals[proposalID]
	if !ok {
		return store.ProposalSummary{}, store.ErrNotFound
	}
	return m.summary(p, viewerID), nil
}

func (m *memStore) ListPendingPOIs(_ context.Context, viewerID int64) ([]store.PendingPOISummary, error) {
	m.lock()
	defer m.mu.Unlock()
	out := []store.PendingPOISummary{}
	for _, pp := range m.state.pendingPOIs {
		item := store.PendingPOISummary{PendingPOI: pp, CreatorName: m.state.users[pp.UserID].Username}
		for userID, vote := range m.state.pendingVotes[pp.ID] {
			if vote > 0 {
				item.Upvotes++
			} else {
				item.Downvotes++
			}
			if userID == viewerID {
				item.MyVote = vote
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListXPConfig(context.Context) ([]store.XPConfig, error) {
	m.lock()
	defer m.mu.Unlock()
	out := make([]store.XPConfig, 0, len(m.state.xpConfig))
	for _, row := range m.state.xpConfig {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) SetXPConfig(_ context.Context, key string, value int) (store.XPConfig, error) {
	m.lock()
	defer m.mu.Unlock()
	row, ok := m.state.xpConfig[key]
	if !ok {
		return store.XPConfig{}, store.ErrNotFound
	}
	row.Value = value
	row.UpdatedAt = time.Now()
	m.state.xpConfig[key] = row
	return row, nil
}

func (m *memStore) Leaderboard(_ context.Context, limit int) ([]store.LeaderboardEntry, error) {
	m.lock()
	defer m.mu.Unlock()
	out := []store.LeaderboardEntry{}
	for _, u := range m.state.users {
		if u.XP > 0 {
			out = append(out, store.LeaderboardEntry{UserID: u.ID, Username: u.Username, XP: u.XP})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].XP != out[j].XP {
			return out[i].XP > out[j].XP
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (m *memStore) UserStats(_ context.Context, userID int64) (store.UserStats, error) {
	m.lock()
	defer m.mu.Unlock()
	u, ok := m.state.users[userID]
	if !ok {
		return store.UserStats{}, store.ErrNotFound
	}
	stats := store.UserStats{UserID: u.ID, Username: u.Username, XP: u.XP}
	for _, p := range m.state.proposals {
		if p.ProposerID != userID {
			continue
		}
		stats.ProposalsTotal++
		switch p.Status {
		case store.StatusApproved:
			stats.ProposalsApproved++
		case store.StatusPending:
			stats.ProposalsPending++
		}
	}
	for _, votes := range m.state.proposalVotes {
		if _, ok := votes[userID]; ok {
			stats.VotesCast++
		}
	}
	return stats, nil
}

func (m *memStore) TakeUnshownXP(_ context.Context, userID int64) ([]store.XPHistory, error) {
	m.lock()
	defer m.mu.Unlock()
	out := []store.XPHistory{}
	for i, row := range m.state.history {
		if row.UserID == userID && !row.Shown {
			m.state.history[i].Shown = true
			out = append(out, m.state.history[i])
		}
	}
	return out, nil
}

// memTx implements workflowTx over a private copy of the state.
type memTx struct {
	s      *memState
	failOn map[string]error
}

func (t *memTx) fail(op string) error {
	return t.failOn[op]
}

func (t *memTx) GetProposalForUpdate(_ context.Context, id int64) (store.Proposal, error) {
	p, ok := t.s.proposals[id]
	if !ok {
		return store.Proposal{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memTx) InsertProposal(_ context.Context, item store.Proposal) (store.Proposal, error) {
	if err := t.fail("InsertProposal"); err != nil {
		return store.Proposal{}, err
	}
	if item.TargetType != nil && item.TargetID != nil {
		for _, p := range t.s.proposals {
			if p.Status == store.StatusPending && p.ChangeType == item.ChangeType && p.ProposerID == item.ProposerID &&
				p.TargetType != nil && *p.TargetType == *item.TargetType && p.TargetID != nil && *p.TargetID == *item.TargetID {
				return store.Proposal{}, store.ErrDuplicatePending
			}
		}
	}
	item.ID = t.s.id()
	item.Status = store.StatusPending
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	t.s.proposals[item.ID] = item
	return item, nil
}

// PendingDuplicateExists always reports false so tests exercise the
// constraint-violation path in InsertProposal.
func (t *memTx) PendingDuplicateExists(context.Context, string, *string, *int64, int64) (bool, error) {
	return false, nil
}

func (t *memTx) ApprovedDuplicateExists(_ context.Context, proposal store.Proposal) (bool, error) {
	for _, p := range t.s.proposals {
		if p.ID == proposal.ID || p.Status != store.StatusApproved || p.ChangeType != proposal.ChangeType {
			continue
		}
		data := p.ProposedData
		if len(p.AppliedData) > 0 {
			data = p.AppliedData
		}
		if bytes.Equal(data, proposal.ProposedData) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) DeleteProposal(_ context.Context, id int64) error {
	p, ok := t.s.proposals[id]
	if !ok || p.Status != store.StatusPending {
		return store.ErrNotPending
	}
	delete(t.s.proposals, id)
	delete(t.s.proposalVotes, id)
	return nil
}

func (t *memTx) ResolveProposal(_ context.Context, id int64, res store.Resolution) (store.Proposal, error) {
	p, ok := t.s.proposals[id]
	if !ok || p.Status != store.StatusPending {
		return store.Proposal{}, store.ErrNotPending
	}
	now := time.Now()
	p.Status = res.Status
	p.AdminID = res.AdminID
	p.AdminAction = res.AdminAction
	p.AdminNotes = res.AdminNotes
	p.AppliedData = res.AppliedData
	p.ResolvedAt = &now
	t.s.proposals[id] = p
	return p, nil
}

func castInto(votes map[int64]int, userID int64, vote int) (bool, int) {
	_, had := votes[userID]
	if vote == 0 {
		delete(votes, userID)
	} else {
		votes[userID] = vote
	}
	score := 0
	for _, v := range votes {
		score += v
	}
	return had, score
}

func (t *memTx) CastProposalVote(_ context.Context, id, userID int64, vote int) (bool, int, error) {
	if err := t.fail("CastProposalVote"); err != nil {
		return false, 0, err
	}
	p, ok := t.s.proposals[id]
	if !ok {
		return false, 0, store.ErrNotFound
	}
	votes := t.s.proposalVotes[id]
	if votes == nil {
		votes = map[int64]int{}
		t.s.proposalVotes[id] = votes
	}
	had, score := castInto(votes, userID, vote)
	p.VoteScore = score
	t.s.proposals[id] = p
	return had, score, nil
}

func (t *memTx) GetPendingPOIForUpdate(_ context.Context, id int64) (store.PendingPOI, error) {
	pp, ok := t.s.pendingPOIs[id]
	if !ok {
		return store.PendingPOI{}, store.ErrNotFound
	}
	return pp, nil
}

func (t *memTx) InsertPendingPOI(_ context.Context, item store.PendingPOI) (store.PendingPOI, error) {
	item.ID = t.s.id()
	item.CreatedAt = time.Now()
	t.s.pendingPOIs[item.ID] = item
	return item, nil
}

func (t *memTx) DeletePendingPOI(_ context.Context, id int64) error {
	if _, ok := t.s.pendingPOIs[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.s.pendingPOIs, id)
	delete(t.s.pendingVotes, id)
	return nil
}

func (t *memTx) CastPendingPOIVote(_ context.Context, id, userID int64, vote int) (bool, int, error) {
	pp, ok := t.s.pendingPOIs[id]
	if !ok {
		return false, 0, store.ErrNotFound
	}
	votes := t.s.pendingVotes[id]
	if votes == nil {
		votes = map[int64]int{}
		t.s.pendingVotes[id] = votes
	}
	had, score := castInto(votes, userID, vote)
	pp.VoteScore = score
	t.s.pendingPOIs[id] = pp
	return had, score, nil
}

func (t *memTx) GetCustomPOIForUpdate(_ context.Context, id int64) (store.CustomPOI, error) {
	c, ok := t.s.customPOIs[id]
	if !ok {
		return store.CustomPOI{}, store.ErrNotFound
	}
	return c, nil
}

func (t *memTx) SetCustomPOIStatus(_ context.Context, id int64, status store.CustomPOIStatus) (int64, error) {
	c, ok := t.s.customPOIs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	c.Status = status
	t.s.customPOIs[id] = c
	return c.UserID, nil
}

func (t *memTx) DeleteCustomPOI(_ context.Context, id int64) error {
	if _, ok := t.s.customPOIs[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.s.customPOIs, id)
	return nil
}

func (t *memTx) InvalidateCustomPOIShares(_ context.Context, id int64, reason string, snapshot []byte) (int, error) {
	n := 0
	for shareID, share := range t.s.shares {
		if share.CustomPOIID != id || !share.IsActive {
			continue
		}
		now := time.Now()
		share.IsActive = false
		share.InvalidationReason = &reason
		share.InvalidatedData = snapshot
		share.InvalidatedAt = &now
		t.s.shares[shareID] = share
		n++
	}
	return n, nil
}

func (t *memTx) InsertPOI(_ context.Context, poi store.POI) (store.POI, error) {
	if err := t.fail("InsertPOI"); err != nil {
		return store.POI{}, err
	}
	poi.ID = t.s.id()
	t.s.pois[poi.ID] = poi
	return poi, nil
}

func (t *memTx) GetPOI(_ context.Context, id int64) (store.POI, error) {
	poi, ok := t.s.pois[id]
	if !ok {
		return store.POI{}, store.ErrNotFound
	}
	return poi, nil
}

func (t *memTx) MovePOI(_ context.Context, id int64, x, y float64) error {
	poi, ok := t.s.pois[id]
	if !ok {
		return store.ErrNotFound
	}
	poi.X, poi.Y = x, y
	t.s.pois[id] = poi
	return nil
}

func (t *memTx) UpdatePOI(_ context.Context, id int64, fields store.Fields) error {
	poi, ok := t.s.pois[id]
	if !ok {
		return store.ErrNotFound
	}
	for column, value := range fields {
		switch column {
		case "map_id":
			poi.MapID = value.(int64)
		case "x":
			poi.X = value.(float64)
		case "y":
			poi.Y = value.(float64)
		case "name":
			poi.Name = value.(string)
		case "description":
			poi.Description = value.(string)
		case "type":
			poi.Type = value.(string)
		case "icon":
			poi.Icon = value.(string)
		default:
			return store.ErrUnknownColumn
		}
	}
	t.s.pois[id] = poi
	return nil
}

func (t *memTx) DeletePOI(_ context.Context, id int64) error {
	if _, ok := t.s.pois[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.s.pois, id)
	return nil
}

func (t *memTx) InsertNPC(_ context.Context, npc store.NPC) (int64, error) {
	npc.ID = t.s.id()
	t.s.npcs[npc.ID] = npc
	return npc.ID, nil
}

func (t *memTx) UpdateNPC(_ context.Context, id int64, _ store.Fields) error {
	if _, ok := t.s.npcs[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (t *memTx) ReplaceNPCLoot(_ context.Context, id int64, itemIDs []int64) error {
	if _, ok := t.s.npcs[id]; !ok {
		return store.ErrNotFound
	}
	t.s.loot[id] = append([]int64(nil), itemIDs...)
	return nil
}

func (t *memTx) InsertItem(_ context.Context, item store.Item) (int64, error) {
	item.ID = t.s.id()
	t.s.items[item.ID] = item
	return item.ID, nil
}

func (t *memTx) UpdateItem(_ context.Context, id int64, _ store.Fields) error {
	if _, ok := t.s.items[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (t *memTx) AddUserXP(_ context.Context, userID int64, delta int) (int, error) {
	if err := t.fail("AddUserXP"); err != nil {
		return 0, err
	}
	u, ok := t.s.users[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	u.XP += delta
	if u.XP < 0 {
		u.XP = 0
	}
	t.s.users[userID] = u
	return u.XP, nil
}

func (t *memTx) InsertXPHistory(_ context.Context, entry store.XPHistory) error {
	entry.ID = t.s.id()
	entry.CreatedAt = time.Now()
	t.s.history = append(t.s.history, entry)
	return nil
}
