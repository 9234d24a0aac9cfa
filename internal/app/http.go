package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wikimap/api/internal/auth"
	"wikimap/api/internal/config"
	"wikimap/api/internal/logging"
	"wikimap/api/internal/metrics"
	"wikimap/api/internal/search"
)

const csrfHeader = "X-CSRF-Token"

type HTTPServer struct {
	service    *Service
	jwtSecret  []byte
	csrfSecret []byte
	corsOrigin string
	voteLimit  int
	voteWindow time.Duration
}

func NewHTTPServer(service *Service, cfg config.Config) *HTTPServer {
	return &HTTPServer{
		service:    service,
		jwtSecret:  []byte(cfg.JWTSecret),
		csrfSecret: []byte(cfg.CSRFSecret),
		corsOrigin: cfg.CORSOrigin,
		voteLimit:  cfg.VoteRateLimit,
		voteWindow: cfg.VoteRateWindow,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestContext)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.withCORS)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	votes := s.voteRateLimit()
	r.Route("/api", func(r chi.Router) {
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/users/{id}/stats", s.handleUserStats)
		r.Get("/pois/search", s.handleSearch)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Use(s.requireCSRF)

			r.Get("/csrf-token", s.handleCSRFToken)
			r.Get("/me/xp-events", s.handleXPEvents)

			r.Get("/proposals", s.handleListProposals)
			r.Post("/proposals", s.handleSubmitProposal)
			r.Get("/proposals/{id}", s.handleGetProposal)
			r.Delete("/proposals/{id}", s.handleDeleteProposal)
			r.With(votes).Post("/proposals/{id}/vote", s.handleVoteProposal)
			r.With(votes).Delete("/proposals/{id}/vote", s.handleClearProposalVote)

			r.Get("/pending-pois", s.handleListPendingPOIs)
			r.Post("/custom-pois/{id}/publish", s.handlePublishCustomPOI)
			r.With(votes).Post("/pending-pois/{id}/vote", s.handleVotePendingPOI)
			r.With(votes).Delete("/pending-pois/{id}/vote", s.handleClearPendingPOIVote)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/admin/proposals/{id}/action", s.handleAdminAction)
				r.Post("/pending-pois/{id}/force-publish", s.handleForcePublish)
				r.Post("/pending-pois/{id}/force-reject", s.handleForceReject)
				r.Get("/admin/xp-config", s.handleXPConfig)
				r.Put("/admin/xp-config/{key}", s.handleSetXPConfig)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("readiness check: database ping failed")
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  "database unavailable",
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"csrfToken": auth.CSRFToken(s.csrfSecret, viewer.SessionKey),
		"header":    csrfHeader,
	})
}

// Proposals

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListProposals(r.Context(), viewerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := s.service.GetProposal(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var body SubmitProposalInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.SubmitProposal(r.Context(), viewerFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleDeleteProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteProposal(r.Context(), viewerFrom(r.Context()), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type voteBody struct {
	Vote *int `json:"vote"`
}

func (s *HTTPServer) readVote(w http.ResponseWriter, r *http.Request) (int, bool) {
	var body voteBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return 0, false
	}
	if body.Vote == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "vote is required", nil)
		return 0, false
	}
	return *body.Vote, true
}

func (s *HTTPServer) handleVoteProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	vote, ok := s.readVote(w, r)
	if !ok {
		return
	}
	result, err := s.service.VoteProposal(r.Context(), viewerFrom(r.Context()), id, vote)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleClearProposalVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.ClearProposalVote(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAdminAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body AdminActionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.AdminAction(r.Context(), viewerFrom(r.Context()), id, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Pending POIs

func (s *HTTPServer) handleListPendingPOIs(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListPendingPOIs(r.Context(), viewerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handlePublishCustomPOI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := s.service.PublishCustomPOI(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleVotePendingPOI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	vote, ok := s.readVote(w, r)
	if !ok {
		return
	}
	result, err := s.service.VotePendingPOI(r.Context(), viewerFrom(r.Context()), id, vote)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleClearPendingPOIVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.ClearPendingPOIVote(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.ForcePublish(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleForceReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.ForceReject(r.Context(), viewerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// XP

func (s *HTTPServer) handleXPConfig(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.XPConfig(r.Context(), viewerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleSetXPConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *int `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "value is required", nil)
		return
	}
	item, err := s.service.SetXPConfig(r.Context(), viewerFrom(r.Context()), chi.URLParam(r, "key"), *body.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleXPEvents(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.TakeXPEvents(r.Context(), viewerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Leaderboard(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleUserStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	stats, err := s.service.UserStats(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text: strings.TrimSpace(query.Get("q")),
		Type: strings.TrimSpace(query.Get("type")),
	}
	q.MapID, _ = strconv.ParseInt(query.Get("map_id"), 10, 64)
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchPOIs(r.Context(), q))
}

// Middleware

type viewerKey struct{}

func viewerFrom(ctx context.Context) Viewer {
	viewer, _ := ctx.Value(viewerKey{}).(Viewer)
	return viewer
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		userID, _ := claims.UserID()
		viewer, err := s.service.LoadViewer(r.Context(), userID, claims.SessionKey())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), viewerKey{}, viewer)
		ctx = logging.WithUserID(ctx, viewer.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !viewerFrom(r.Context()).IsAdmin {
			logging.Ctx(r.Context()).Warn().Str("path", r.URL.Path).Msg("admin route denied")
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF checks the session-bound token on every state-changing request.
func (s *HTTPServer) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		viewer := viewerFrom(r.Context())
		if !auth.VerifyCSRF(s.csrfSecret, viewer.SessionKey, r.Header.Get(csrfHeader)) {
			writeError(w, http.StatusForbidden, "CSRF_INVALID", "Invalid or missing CSRF token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// voteRateLimit limits votes per user across all vote routes. It sits behind
// requireSession, so every caller has a user id.
func (s *HTTPServer) voteRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.voteLimit,
		s.voteWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "user:" + strconv.FormatInt(viewerFrom(r.Context()).UserID, 10), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many votes, slow down", nil)
		}),
	)
}

func (s *HTTPServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		metrics.RecordAPIRequest(r.Method, route, writer.status, elapsed)
		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

func (s *HTTPServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.corsOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+csrfHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id", nil)
		return 0, false
	}
	return id, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
