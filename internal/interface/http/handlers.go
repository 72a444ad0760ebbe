package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

// APIError is the body of every failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorEnvelope{Error: APIError{Code: code, Message: message}})
}

// statusFor maps a domain error kind onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsInvalidInput(err):
		return http.StatusBadRequest, "invalid_input"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsConflict(err):
		return http.StatusConflict, "conflict"
	case shared.IsConfiguration(err):
		return http.StatusInternalServerError, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if code == "internal_error" {
		s.log.Error("request failed",
			logger.String("path", c.FullPath()),
			logger.String("request_id", c.GetString(ctxKeyRequestID)),
			logger.Err(err),
		)
		message = "internal server error"
	}
	respondError(c, status, code, message)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	if !status.Healthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleReady only fails when a critical dependency is down.
func (s *Server) handleReady(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	if !status.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": status.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITIES
// ══════════════════════════════════════════════════════════════════════════════

type reportActivityRequest struct {
	ActivityType  string         `json:"activity_type" binding:"required"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id"`
}

// partialResponse is returned with 207 when some steps committed.
type partialResponse struct {
	Result *progression.ActivityResult `json:"result"`
	Error  APIError                    `json:"error"`
}

// handleReportActivity handles POST /api/v1/learners/:learnerID/activities.
func (s *Server) handleReportActivity(c *gin.Context) {
	var req reportActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = c.GetHeader(headerCorrelationID)
	}
	if correlationID == "" {
		correlationID = c.GetString(ctxKeyRequestID)
	}

	res, err := s.deps.ReportActivity.Handle(c.Request.Context(), command.ReportActivityCommand{
		LearnerID:     learner.ID(c.Param("learnerID")),
		ActivityType:  req.ActivityType,
		Data:          progression.ActivityData(req.Data),
		CorrelationID: correlationID,
	})
	if err != nil {
		var stepErr *progression.StepError
		if errors.As(err, &stepErr) && res != nil {
			c.JSON(http.StatusMultiStatus, partialResponse{
				Result: res,
				Error:  APIError{Code: "partial_failure", Message: stepErr.Error()},
			})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleDashboard(c *gin.Context) {
	d, err := s.deps.Dashboard.Handle(c.Request.Context(), learner.ID(c.Param("learnerID")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// handleLeaderboard handles GET /api/v1/leaderboard?timeframe=&limit=.
func (s *Server) handleLeaderboard(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_input", "limit must be an integer")
			return
		}
		limit = n
	}

	board, err := s.deps.Leaderboard.Handle(c.Request.Context(), c.Query("timeframe"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (s *Server) handleBadges(c *gin.Context) {
	badges, err := s.deps.BadgeCatalog.Handle(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, badges)
}

func (s *Server) handleLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"max_level": s.deps.Catalog.MaxLevel(),
		"levels":    s.deps.Catalog.Levels(),
	})
}
