// Package profile provides the read-only REST API over agent reputation:
// standings, audit history, contributions, replay checks, the leaderboard,
// and the operator view of dead-lettered facts.
package profile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/leaderboard"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

const (
	defaultPageSize = 20
	maxLimit        = 1000
)

// ReputationService interface for reputation read operations.
type ReputationService interface {
	Standing(ctx context.Context, agentID uint) (*reputation.Standing, error)
	History(ctx context.Context, agentID uint, page, perPage int) ([]models.EloEvent, int64, error)
	Verify(ctx context.Context, agentID uint) (*reputation.Verification, error)
}

// LeaderboardService interface for leaderboard operations.
type LeaderboardService interface {
	GetLeaderboard(ctx context.Context, tier models.Tier, limit int) ([]leaderboard.Entry, error)
	GetAgentStats(ctx context.Context, agentID uint) (*leaderboard.AgentStats, error)
}

// ContributionService interface for contribution reads.
type ContributionService interface {
	ListByAgent(ctx context.Context, agentID uint, limit, offset int) ([]models.CodeContribution, error)
}

// DeadLetterRepository interface for dead letter operations.
type DeadLetterRepository interface {
	ListUnresolved(ctx context.Context, limit int) ([]models.DeadLetter, error)
	CountUnresolved(ctx context.Context) (int64, error)
	Resolve(ctx context.Context, id uint, at time.Time) error
}

// HealthChecker is a dependency checked by the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler handles profile API requests.
type Handler struct {
	reputation    ReputationService
	leaderboard   LeaderboardService
	contributions ContributionService
	deadLetters   DeadLetterRepository
	checks        map[string]HealthChecker
	log           *logger.Logger
}

// NewHandler creates a new profile handler.
func NewHandler(
	engine *reputation.Engine,
	leaderboardService *leaderboard.Service,
	contributions ContributionService,
	deadLetters *repository.DeadLetterRepository,
	log *logger.Logger,
) *Handler {
	return NewHandlerWithInterfaces(engine, leaderboardService, contributions, deadLetters, log)
}

// NewHandlerWithInterfaces creates a new profile handler with interface dependencies (useful for testing).
func NewHandlerWithInterfaces(
	reputationService ReputationService,
	leaderboardService LeaderboardService,
	contributions ContributionService,
	deadLetters DeadLetterRepository,
	log *logger.Logger,
) *Handler {
	return &Handler{
		reputation:    reputationService,
		leaderboard:   leaderboardService,
		contributions: contributions,
		deadLetters:   deadLetters,
		checks:        make(map[string]HealthChecker),
		log:           log,
	}
}

// AddHealthCheck registers a dependency reported by GET /health.
func (h *Handler) AddHealthCheck(name string, check HealthChecker) {
	h.checks[name] = check
}

// RegisterRoutes mounts the profile endpoints on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.GET("/agents/:id", h.GetAgent)
	v1.GET("/agents/:id/history", h.GetHistory)
	v1.GET("/agents/:id/contributions", h.GetContributions)
	v1.GET("/agents/:id/verify", h.Verify)
	v1.GET("/leaderboard", h.GetLeaderboard)
	v1.GET("/dead-letters", h.GetDeadLetters)
	v1.POST("/dead-letters/:id/resolve", h.ResolveDeadLetter)
}

// GetAgent returns an agent's standing and statistics.
// GET /api/v1/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agentID, err := parseID(c, "agent")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	standing, err := h.reputation.Standing(ctx, agentID)
	if err != nil {
		h.serviceError(c, err, agentID, "Failed to retrieve agent")
		return
	}

	stats, err := h.leaderboard.GetAgentStats(ctx, agentID)
	if err != nil {
		h.serviceError(c, err, agentID, "Failed to retrieve agent statistics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id":     standing.AgentID,
		"username":     standing.Username,
		"elo":          standing.Elo,
		"tier":         standing.Tier,
		"stats":        stats,
		"generated_at": time.Now().UTC(),
	})
}

// GetHistory returns one page of an agent's audit trail.
// GET /api/v1/agents/:id/history?page=1&per_page=20.
func (h *Handler) GetHistory(c *gin.Context) {
	agentID, err := parseID(c, "agent")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePositive(c, "page", 1, 0)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := parsePositive(c, "per_page", defaultPageSize, maxLimit)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := h.reputation.History(c.Request.Context(), agentID, page, perPage)
	if err != nil {
		h.serviceError(c, err, agentID, "Failed to retrieve history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"events":   events,
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

// GetContributions returns an agent's contributions, newest first.
// GET /api/v1/agents/:id/contributions?page=1&per_page=20.
func (h *Handler) GetContributions(c *gin.Context) {
	agentID, err := parseID(c, "agent")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePositive(c, "page", 1, 0)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := parsePositive(c, "per_page", defaultPageSize, maxLimit)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	if _, err := h.reputation.Standing(ctx, agentID); err != nil {
		h.serviceError(c, err, agentID, "Failed to retrieve agent")
		return
	}

	contributions, err := h.contributions.ListByAgent(ctx, agentID, perPage, (page-1)*perPage)
	if err != nil {
		h.serviceError(c, err, agentID, "Failed to retrieve contributions")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id":      agentID,
		"contributions": contributions,
		"page":          page,
		"per_page":      perPage,
	})
}

// Verify replays an agent's audit trail against the stored ELO.
// GET /api/v1/agents/:id/verify.
func (h *Handler) Verify(c *gin.Context) {
	agentID, err := parseID(c, "agent")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.reputation.Verify(c.Request.Context(), agentID)
	if err != nil {
		h.serviceError(c, err, agentID, "Failed to verify audit trail")
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetLeaderboard returns agents ordered by ELO.
// GET /api/v1/leaderboard?tier=gold&limit=10.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	tier := models.Tier(c.Query("tier"))
	if tier != "" && !tier.IsValid() {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid tier: %s (valid: bronze, silver, gold)", tier))
		return
	}
	limit, err := parseLimit(c, leaderboard.DefaultLimit)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.leaderboard.GetLeaderboard(c.Request.Context(), tier, limit)
	if err != nil {
		h.log.Error().Err(err).Str("tier", string(tier)).Msg("Failed to get leaderboard")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve leaderboard")
		return
	}

	h.log.Debug().
		Str("tier", string(tier)).
		Int("limit", limit).
		Int("entries", len(entries)).
		Msg("Retrieved leaderboard")

	c.JSON(http.StatusOK, gin.H{
		"leaderboard":   entries,
		"tier":          tier,
		"total_entries": len(entries),
		"generated_at":  time.Now().UTC(),
	})
}

// GetDeadLetters returns unresolved dead letters, oldest first.
// GET /api/v1/dead-letters?limit=50.
func (h *Handler) GetDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c, 50)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	letters, err := h.deadLetters.ListUnresolved(ctx, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list dead letters")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve dead letters")
		return
	}
	total, err := h.deadLetters.CountUnresolved(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count dead letters")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve dead letters")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters":     letters,
		"total_unresolved": total,
		"limited_to":       len(letters),
	})
}

// ResolveDeadLetter marks a dead letter as handled.
// POST /api/v1/dead-letters/:id/resolve.
func (h *Handler) ResolveDeadLetter(c *gin.Context) {
	id, err := parseID(c, "dead letter")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.deadLetters.Resolve(c.Request.Context(), id, time.Now().UTC()); err != nil {
		if repository.IsNotFound(err) {
			h.errorResponse(c, http.StatusNotFound, "dead letter not found or already resolved")
			return
		}
		h.log.Error().Err(err).Uint("dead_letter_id", id).Msg("Failed to resolve dead letter")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to resolve dead letter")
		return
	}

	h.log.Info().Uint("dead_letter_id", id).Msg("Dead letter resolved")
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

// Health reports the status of every registered dependency.
// GET /health.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			h.log.Warn().Err(err).Str("component", name).Msg("Health check failed")
			components[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// Helper functions

// serviceError maps a service error to a response. Unknown agents are 404.
func (h *Handler) serviceError(c *gin.Context, err error, agentID uint, message string) {
	if errors.Is(err, apperr.ErrNotFound) || repository.IsNotFound(err) {
		h.errorResponse(c, http.StatusNotFound, fmt.Sprintf("agent %d not found", agentID))
		return
	}
	h.log.Error().Err(err).Uint("agent_id", agentID).Msg(message)
	h.errorResponse(c, http.StatusInternalServerError, message)
}

// parseID extracts and validates the numeric :id URL parameter.
func parseID(c *gin.Context, what string) (uint, error) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", what, idStr)
	}
	return uint(id), nil
}

// parsePositive reads an optional positive integer query parameter.
// A zero upper bound means unbounded.
func parsePositive(c *gin.Context, name string, defaultValue, upper int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s parameter: %s", name, raw)
	}
	if upper > 0 && n > upper {
		return 0, fmt.Errorf("%s cannot exceed %d", name, upper)
	}
	return n, nil
}

// parseLimit extracts and validates the limit query parameter.
func parseLimit(c *gin.Context, defaultLimit int) (int, error) {
	return parsePositive(c, "limit", defaultLimit, maxLimit)
}

// errorResponse sends a standardized error response.
func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
