package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/classifier"
	"github.com/JakeFAU/mdagent/internal/requestlog"
)

const (
	defaultLogLimit       = 50
	maxLogLimit           = 500
	defaultTopLimit       = 10
	maxTopLimit           = 100
	defaultHandlerTimeout = 3 * time.Second
)

type logListResponse struct {
	Entries []requestlog.Entry `json:"entries"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// listLogs handles GET /admin/logs?search=&bot_type=&bot_name=&method=&entity_id=
// &order_by=&order=&limit=&offset=.
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "request log unavailable")
		return
	}
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	entries, total, err := s.logs.List(ctx, filter)
	if errors.Is(err, requestlog.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("list request log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list request log")
		return
	}
	if entries == nil {
		entries = []requestlog.Entry{}
	}
	writeJSON(w, http.StatusOK, logListResponse{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "request log unavailable")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.logs.Clear(ctx); err != nil {
		s.logger.Error("clear request log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear request log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) botCounts(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "request log unavailable")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	bots, err := s.logs.BotCounts(ctx)
	if err != nil {
		s.logger.Error("bot counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count bots")
		return
	}
	if bots == nil {
		bots = []requestlog.BotCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (s *Server) tokenSummary(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "request log unavailable")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	summary, err := s.logs.TokenSummary(ctx)
	if err != nil {
		s.logger.Error("token summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize tokens")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) topEntities(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "request log unavailable")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultTopLimit, maxTopLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	top, err := s.logs.TopEntities(ctx, limit)
	if err != nil {
		s.logger.Error("top entities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to rank entities")
		return
	}
	if top == nil {
		top = []requestlog.TopEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": top})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	summary, err := s.stats.Summary(ctx)
	if err != nil {
		s.logger.Error("stats summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.stats.Reset(ctx); err != nil {
		s.logger.Error("stats reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// entityChanged handles POST /admin/entities/{entity_id}/changed. It purges the
// entity's cached conversion and the archive pages of its terms, then refreshes
// the HTML token estimate.
func (s *Server) entityChanged(w http.ResponseWriter, r *http.Request) {
	if s.invalidator == nil {
		writeError(w, http.StatusServiceUnavailable, "converter unavailable")
		return
	}
	entityID, err := parseEntityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	purged, err := s.invalidator.Invalidate(ctx, entityID)
	if err != nil {
		s.logger.Error("cache invalidation failed", zap.Int64("entity_id", entityID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to invalidate cache")
		return
	}
	if s.estimator != nil {
		if err := s.estimator.EstimateOnSave(ctx, entityID); err != nil {
			s.logger.Warn("html token estimate failed", zap.Int64("entity_id", entityID), zap.Error(err))
		}
	}
	resp := map[string]any{"entity_id": entityID, "purged": purged}
	if s.notifier != nil {
		err := s.notifier.NotifyChanged(ctx, entityID)
		if err != nil {
			s.logger.Warn("change broadcast failed", zap.Int64("entity_id", entityID), zap.Error(err))
		}
		resp["notified"] = err == nil
	}
	s.logger.Debug("entity changed", zap.Int64("entity_id", entityID), zap.Int("purged", purged))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func parseLogFilter(r *http.Request) (requestlog.Filter, error) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		return requestlog.Filter{}, err
	}
	f := requestlog.Filter{
		Search:  strings.TrimSpace(q.Get("search")),
		BotName: strings.TrimSpace(q.Get("bot_name")),
		Method:  strings.TrimSpace(q.Get("method")),
		OrderBy: strings.TrimSpace(q.Get("order_by")),
		Limit:   limit,
		Offset:  offset,
	}
	if bt := strings.TrimSpace(q.Get("bot_type")); bt != "" {
		cat, ok := classifier.ParseCategory(bt)
		if !ok {
			return requestlog.Filter{}, errors.New("invalid bot_type")
		}
		f.BotType = string(cat)
	}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return requestlog.Filter{}, errors.New("invalid entity_id")
		}
		f.EntityID = id
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return requestlog.Filter{}, errors.New("order must be asc or desc")
	}
	return f, nil
}

func parseEntityID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "entity_id")
	if raw == "" {
		return 0, errors.New("entity_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid entity_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
