package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
	"github.com/fyrsmithlabs/popupd/internal/stats"
)

// DetectPopupRequest is the request body for POST /api/v1/popups.
type DetectPopupRequest struct {
	PopupID         string                  `json:"popup_id" validate:"required"`
	TabID           int                     `json:"tab_id" validate:"required,min=1"`
	Domain          string                  `json:"domain" validate:"required"`
	Viewport        scoring.Dimensions      `json:"viewport"`
	Characteristics scoring.Characteristics `json:"characteristics"`
}

// ResolveDecisionRequest is the request body for POST /api/v1/decisions.
type ResolveDecisionRequest struct {
	PopupID      string            `json:"popup_id" validate:"required"`
	Choice       string            `json:"choice" validate:"required,oneof=close keep dismiss"`
	ResponseData map[string]string `json:"response_data,omitempty"`
}

// SuggestRequest is the request body for POST /api/v1/suggestions.
type SuggestRequest struct {
	Viewport        scoring.Dimensions      `json:"viewport"`
	Characteristics scoring.Characteristics `json:"characteristics"`
}

// SuggestResponse is the response body for POST /api/v1/suggestions.
type SuggestResponse struct {
	Suggestion *patterns.Suggestion `json:"suggestion"`
}

// PendingListResponse is the response body for GET /api/v1/decisions.
type PendingListResponse struct {
	Pending []decision.PendingDecision `json:"pending"`
	Count   int                        `json:"count"`
}

// HistoryResponse is the response body for GET /api/v1/decisions/history.
type HistoryResponse struct {
	Decisions []*decision.CompletedDecision `json:"decisions"`
	Count     int                           `json:"count"`
}

// CleanupResponse is the response body for POST /api/v1/decisions/cleanup.
type CleanupResponse struct {
	ExpiredDecisions int `json:"expired_decisions"`
	PrunedPatterns   int `json:"pruned_patterns"`
}

// PatternListResponse is the response body for GET /api/v1/patterns.
type PatternListResponse struct {
	Patterns []patterns.LearningPattern `json:"patterns"`
	Count    int                        `json:"count"`
}

// StatisticsResponse is the response body for GET /api/v1/statistics.
type StatisticsResponse struct {
	stats.Summary

	PendingDecisions int `json:"pending_decisions"`
	LearnedPatterns  int `json:"learned_patterns"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleDetectPopup analyzes a detected candidate and either auto-executes
// a learned suggestion or opens a pending decision.
func (s *Server) handleDetectPopup(c echo.Context) error {
	var req DetectPopupRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid detection request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	popup := decision.PopupData{
		ID:              req.PopupID,
		Domain:          req.Domain,
		Characteristics: req.Characteristics,
	}
	result, err := s.coordinator.HandleDetection(c.Request().Context(), popup, req.TabID, req.Viewport)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleResolveDecision finalizes a pending decision with a user choice.
func (s *Server) handleResolveDecision(c echo.Context) error {
	var req ResolveDecisionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid resolve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	completed, err := s.coordinator.Resolve(c.Request().Context(), req.PopupID, decision.Choice(req.Choice), req.ResponseData)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, completed)
}

// handleListPending returns all open decisions.
func (s *Server) handleListPending(c echo.Context) error {
	pending := s.coordinator.Pending()
	return c.JSON(http.StatusOK, PendingListResponse{Pending: pending, Count: len(pending)})
}

// handleHistory returns recent completed decisions.
func (s *Server) handleHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	decisions, err := s.coordinator.History(c.Request().Context(), limit)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{Decisions: decisions, Count: len(decisions)})
}

// handleCleanup runs the maintenance pass on demand.
func (s *Server) handleCleanup(c echo.Context) error {
	ctx := c.Request().Context()

	expired, err := s.coordinator.ExpireStale(ctx)
	if err != nil {
		return s.mapError(err)
	}
	pruned, err := s.patterns.Cleanup(ctx)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, CleanupResponse{ExpiredDecisions: expired, PrunedPatterns: pruned})
}

// handleSuggest returns the learned suggestion for a candidate, if any.
// The suggestion field is null when nothing similar has been learned.
func (s *Server) handleSuggest(c echo.Context) error {
	var req SuggestRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid suggest request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	norm := req.Characteristics.Normalize(req.Viewport)
	return c.JSON(http.StatusOK, SuggestResponse{Suggestion: s.patterns.Suggest(norm)})
}

// handleListPatterns returns the learned pattern set.
func (s *Server) handleListPatterns(c echo.Context) error {
	ps := s.patterns.Patterns()
	return c.JSON(http.StatusOK, PatternListResponse{Patterns: ps, Count: len(ps)})
}

// handleStatistics returns the aggregate decision statistics.
func (s *Server) handleStatistics(c echo.Context) error {
	resp := StatisticsResponse{
		PendingDecisions: s.coordinator.PendingCount(),
		LearnedPatterns:  s.patterns.Count(),
	}
	if s.collector != nil {
		resp.Summary = s.collector.Summarize()
	}
	return c.JSON(http.StatusOK, resp)
}

// mapError translates domain errors onto HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, decision.ErrInvalidInput), errors.Is(err, decision.ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, decision.ErrDecisionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
