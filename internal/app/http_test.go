package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"wikimap/api/internal/auth"
	"wikimap/api/internal/config"
	"wikimap/api/internal/store"
)

const (
	testJWTSecret  = "jwt-secret-for-tests"
	testCSRFSecret = "csrf-secret-for-tests"
)

type httpFixture struct {
	*fixture
	handler http.Handler
}

func newHTTPFixture(t *testing.T, voteLimit int) *httpFixture {
	t.Helper()
	f := newFixture(t)
	server := NewHTTPServer(f.svc, config.Config{
		JWTSecret:      testJWTSecret,
		CSRFSecret:     testCSRFSecret,
		CORSOrigin:     "*",
		VoteRateLimit:  voteLimit,
		VoteRateWindow: time.Minute,
	})
	return &httpFixture{fixture: f, handler: server.Handler()}
}

func sessionFor(userID int64) string {
	return "sess-" + strconv.FormatInt(userID, 10)
}

func (h *httpFixture) do(t *testing.T, method, path string, userID int64, body string, withCSRF bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := auth.IssueToken([]byte(testJWTSecret), userID, "u", sessionFor(userID), time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if withCSRF {
			req.Header.Set(csrfHeader, auth.CSRFToken([]byte(testCSRFSecret), sessionFor(userID)))
		}
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var payload map[string]any
	decodeJSON(t, rec, &payload)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/health", 0, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyReportsDatabase(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/ready", 0, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	decodeJSON(t, rec, &payload)
	if payload["status"] != "ready" {
		t.Fatalf("unexpected ready payload: %v", payload)
	}
}

func TestReadyHidesDatabaseError(t *testing.T) {
	h := newHTTPFixture(t, 10)
	h.mem.failOn["Ping"] = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

	rec := h.do(t, http.MethodGet, "/ready", 0, "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Fatalf("database error leaked: %s", rec.Body.String())
	}
}

func TestProposalsRequireSession(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/api/proposals", 0, "", false)
	requireErrorCode(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodGet, "/api/proposals", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad := httptest.NewRecorder()
	h.handler.ServeHTTP(bad, req)
	requireErrorCode(t, bad, http.StatusUnauthorized, "UNAUTHORIZED")

	// A valid token for a user that no longer exists.
	rec = h.do(t, http.MethodGet, "/api/proposals", 4242, "", false)
	requireErrorCode(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestStateChangeRequiresCSRF(t *testing.T) {
	h := newHTTPFixture(t, 10)
	body := `{"change_type":"add_poi","proposed_data":{"map_id":1,"x":1,"y":2,"name":"Camp"}}`

	rec := h.do(t, http.MethodPost, "/api/proposals", 1, body, false)
	requireErrorCode(t, rec, http.StatusForbidden, "CSRF_INVALID")

	// A token minted for another session is rejected too.
	req := httptest.NewRequest(http.MethodPost, "/api/proposals", strings.NewReader(body))
	token, _ := auth.IssueToken([]byte(testJWTSecret), 1, "u", sessionFor(1), time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(csrfHeader, auth.CSRFToken([]byte(testCSRFSecret), sessionFor(2)))
	other := httptest.NewRecorder()
	h.handler.ServeHTTP(other, req)
	requireErrorCode(t, other, http.StatusForbidden, "CSRF_INVALID")

	if len(h.mem.snapshot().proposals) != 0 {
		t.Fatal("rejected requests must not create proposals")
	}
}

func TestCSRFTokenEndpoint(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/api/csrf-token", 1, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		CSRFToken string `json:"csrfToken"`
		Header    string `json:"header"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Header != csrfHeader || !auth.VerifyCSRF([]byte(testCSRFSecret), sessionFor(1), payload.CSRFToken) {
		t.Fatalf("unexpected csrf payload: %+v", payload)
	}
}

func TestSubmitAndVoteOverHTTP(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodPost, "/api/proposals", 1,
		`{"change_type":"add_poi","proposed_data":{"map_id":1,"x":1,"y":2,"name":"Camp"},"notes":"found it"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var created ProposalView
	decodeJSON(t, rec, &created)
	if created.VoteScore != 1 || created.Status != store.StatusPending {
		t.Fatalf("unexpected proposal: %+v", created)
	}

	path := "/api/proposals/" + strconv.FormatInt(created.ID, 10) + "/vote"
	rec = h.do(t, http.MethodPost, path, 2, `{"vote":1}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", rec.Code, rec.Body.String())
	}
	var result VoteResult
	decodeJSON(t, rec, &result)
	if result.VoteScore != 2 || result.MyVote != 1 {
		t.Fatalf("unexpected vote result: %+v", result)
	}

	rec = h.do(t, http.MethodPost, path, 2, `{"vote":2}`, true)
	requireErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	rec = h.do(t, http.MethodPost, path, 2, `{}`, true)
	requireErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	rec = h.do(t, http.MethodDelete, path, 2, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: %d %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &result)
	if result.VoteScore != 1 || result.MyVote != 0 {
		t.Fatalf("unexpected clear result: %+v", result)
	}

	rec = h.do(t, http.MethodGet, "/api/proposals/"+strconv.FormatInt(created.ID, 10), 1, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var fetched ProposalView
	decodeJSON(t, rec, &fetched)
	if fetched.Notes != "found it" || fetched.ProposerName != "proposer" {
		t.Fatalf("unexpected fetched proposal: %+v", fetched)
	}
}

func TestInvalidPathID(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/api/proposals/abc", 1, "", false)
	requireErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")

	rec = h.do(t, http.MethodGet, "/api/proposals/777", 1, "", false)
	requireErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newHTTPFixture(t, 10)
	rec := h.do(t, http.MethodGet, "/api/admin/xp-config", 2, "", false)
	requireErrorCode(t, rec, http.StatusForbidden, "FORBIDDEN")

	rec = h.do(t, http.MethodPost, "/api/admin/proposals/1/action", 2, `{"action":"approved"}`, true)
	requireErrorCode(t, rec, http.StatusForbidden, "FORBIDDEN")

	rec = h.do(t, http.MethodGet, "/api/admin/xp-config", adminID, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin xp config: %d", rec.Code)
	}
	var rows []XPConfigView
	decodeJSON(t, rec, &rows)
	if len(rows) != 5 {
		t.Fatalf("expected 5 config rows, got %d", len(rows))
	}

	rec = h.do(t, http.MethodPut, "/api/admin/xp-config/proposal_vote", adminID, `{"value":4}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set xp config: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPut, "/api/admin/xp-config/proposal_vote", adminID, `{}`, true)
	requireErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestAdminActionOverHTTP(t *testing.T) {
	h := newHTTPFixture(t, 10)
	h.mem.addCustomPOI(42, 1)
	p := h.submitAddPOI(t, 1, `{"map_id":1,"x":100,"y":100,"name":"Camp","custom_poi_id":42}`)

	path := "/api/admin/proposals/" + strconv.FormatInt(p.ID, 10) + "/action"
	rec := h.do(t, http.MethodPost, path, adminID, `{"action":"rejected","notes":"no"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin action: %d %s", rec.Code, rec.Body.String())
	}
	var view ProposalView
	decodeJSON(t, rec, &view)
	if view.Status != store.StatusRejected {
		t.Fatalf("expected rejected, got %s", view.Status)
	}

	// Conflicts keep the historical 400 status.
	rec = h.do(t, http.MethodPost, path, adminID, `{"action":"approved"}`, true)
	requireErrorCode(t, rec, http.StatusBadRequest, "CONFLICT")
}

func TestVotesAreRateLimitedPerUser(t *testing.T) {
	h := newHTTPFixture(t, 3)
	p := h.submitAddPOI(t, 1, `{"map_id":1,"x":1,"y":2,"name":"Camp"}`)
	path := "/api/proposals/" + strconv.FormatInt(p.ID, 10) + "/vote"

	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, path, 2, `{"vote":1}`, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("vote %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := h.do(t, http.MethodPost, path, 2, `{"vote":1}`, true)
	requireErrorCode(t, rec, http.StatusTooManyRequests, "RATE_LIMITED")

	// Other users have their own budget.
	rec = h.do(t, http.MethodPost, path, 3, `{"vote":1}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("other user vote: %d", rec.Code)
	}
}

func TestPendingPOIFlowOverHTTP(t *testing.T) {
	h := newHTTPFixture(t, 100)
	h.mem.addCustomPOI(42, 1)

	rec := h.do(t, http.MethodPost, "/api/custom-pois/42/publish", 1, "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish: %d %s", rec.Code, rec.Body.String())
	}
	var pending PendingPOIView
	decodeJSON(t, rec, &pending)

	rec = h.do(t, http.MethodGet, "/api/pending-pois", 2, "", false)
	var list []PendingPOIView
	decodeJSON(t, rec, &list)
	if len(list) != 1 || list[0].ID != pending.ID {
		t.Fatalf("unexpected pending list: %+v", list)
	}

	forcePath := "/api/pending-pois/" + strconv.FormatInt(pending.ID, 10) + "/force-publish"
	rec = h.do(t, http.MethodPost, forcePath, 2, "", true)
	requireErrorCode(t, rec, http.StatusForbidden, "FORBIDDEN")

	rec = h.do(t, http.MethodPost, forcePath, adminID, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("force publish: %d %s", rec.Code, rec.Body.String())
	}
	var out PendingPOIOutcome
	decodeJSON(t, rec, &out)
	if out.Status != PendingPOIPublished || out.POIID == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPublicLeaderboardAndStats(t *testing.T) {
	h := newHTTPFixture(t, 10)
	h.mem.addCustomPOI(42, 1)
	if _, err := h.svc.PublishCustomPOI(t.Context(), h.viewer(1), 42); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/leaderboard", 0, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard: %d", rec.Code)
	}
	var board []LeaderboardEntryView
	decodeJSON(t, rec, &board)
	if len(board) != 1 || board[0].UserID != 1 || board[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}

	rec = h.do(t, http.MethodGet, "/api/users/1/stats", 0, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var stats UserStatsView
	decodeJSON(t, rec, &stats)
	if stats.XP != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = h.do(t, http.MethodGet, "/api/pois/search", 0, "", false)
	requireErrorCode(t, rec, http.StatusBadRequest, "VALIDATION_ERROR")
	rec = h.do(t, http.MethodGet, "/api/pois/search?q=cave", 0, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
}
