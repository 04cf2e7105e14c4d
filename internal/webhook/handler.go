// Package webhook authenticates inbound git-host webhooks and signed internal
// facts, normalizes them and hands them to the event gateway.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// Processor applies normalized facts.
type Processor interface {
	Process(ctx context.Context, fact *gateway.Fact) *gateway.Result
}

// AgentResolver maps git-host identities to registered agents.
type AgentResolver interface {
	GetByUsername(ctx context.Context, username string) (*models.Agent, error)
	GetByExternalID(ctx context.Context, externalID int64) (*models.Agent, error)
}

// Registrar registers new agents.
type Registrar interface {
	Register(ctx context.Context, username string, externalID *int64) (*models.Agent, error)
}

// Handler handles webhook and fact ingress requests.
type Handler struct {
	processor      Processor
	agents         AgentResolver
	registrar      Registrar
	giteaSecret    string
	gitlabSecret   string
	ingestSecret   string
	requestTimeout time.Duration
	log            *logger.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg *config.Config, gw *gateway.Gateway, agents *repository.AgentRepository, engine *reputation.Engine, log *logger.Logger) *Handler {
	return NewHandlerWithInterfaces(cfg, gw, agents, engine, log)
}

// NewHandlerWithInterfaces creates a new webhook handler with interface dependencies (useful for testing).
func NewHandlerWithInterfaces(cfg *config.Config, processor Processor, agents AgentResolver, registrar Registrar, log *logger.Logger) *Handler {
	return &Handler{
		processor:      processor,
		agents:         agents,
		registrar:      registrar,
		giteaSecret:    cfg.Gitea.WebhookSecret,
		gitlabSecret:   cfg.GitLab.WebhookSecret,
		ingestSecret:   cfg.Ingest.Secret,
		requestTimeout: cfg.Server.RequestTimeout,
		log:            log,
	}
}

// RegisterRoutes mounts the ingress endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/gitea", h.HandleGitea)
	router.POST("/webhooks/gitlab", h.HandleGitLab)

	api := router.Group("/api/v1")
	api.POST("/facts", h.HandleFact)
	api.POST("/agents", h.HandleRegisterAgent)
}

// StatusFor maps a fact outcome to the HTTP status returned to the sender.
// Failed facts answer 503 so that the sender redelivers.
func StatusFor(outcome gateway.Outcome) int {
	switch outcome {
	case gateway.OutcomeRejected:
		return http.StatusUnprocessableEntity
	case gateway.OutcomeFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// processAll runs every fact and answers with the most severe status.
func (h *Handler) processAll(c *gin.Context, source string, facts []*gateway.Fact) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	status := http.StatusOK
	results := make([]*gateway.Result, 0, len(facts))
	for _, fact := range facts {
		result := h.processor.Process(ctx, fact)
		results = append(results, result)
		if s := StatusFor(result.Outcome); s > status {
			status = s
		}
	}

	c.JSON(status, gin.H{
		"source":    source,
		"processed": len(results),
		"results":   results,
	})
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.requestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), h.requestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

// lookupUsername returns nil without error when no agent is registered under username.
func (h *Handler) lookupUsername(ctx context.Context, username string) (*models.Agent, error) {
	if username == "" {
		return nil, nil
	}
	agent, err := h.agents.GetByUsername(ctx, username)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// lookupExternalID returns nil without error when no agent carries externalID.
func (h *Handler) lookupExternalID(ctx context.Context, externalID int64) (*models.Agent, error) {
	if externalID <= 0 {
		return nil, nil
	}
	agent, err := h.agents.GetByExternalID(ctx, externalID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

func (h *Handler) unauthorized(c *gin.Context, source string, err error) {
	metrics.RecordAuthFailure(source)
	h.log.Warn().
		Err(err).
		Str("source", source).
		Str("remote_addr", c.ClientIP()).
		Msg("Webhook authentication failed")
	h.errorResponse(c, http.StatusUnauthorized, "authentication failed")
}

// errorResponse sends a standardized error response.
func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
