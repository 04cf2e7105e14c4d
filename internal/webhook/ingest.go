package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/gateway"
)

const (
	ingestSignatureHeader = "X-Ledger-Signature"
	idempotencyKeyHeader  = "Idempotency-Key"
)

// HandleFact accepts one signed, already normalized fact.
// POST /api/v1/facts.
func (h *Handler) HandleFact(c *gin.Context) {
	body, ok := h.readSigned(c)
	if !ok {
		return
	}

	var fact gateway.Fact
	if err := json.Unmarshal(body, &fact); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if fact.ID == "" {
		fact.ID = c.GetHeader(idempotencyKeyHeader)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result := h.processor.Process(ctx, &fact)
	c.JSON(StatusFor(result.Outcome), result)
}

type registerAgentRequest struct {
	Username   string `json:"username"`
	ExternalID *int64 `json:"external_id"`
}

// HandleRegisterAgent registers an agent at the initial ELO.
// POST /api/v1/agents.
func (h *Handler) HandleRegisterAgent(c *gin.Context) {
	body, ok := h.readSigned(c)
	if !ok {
		return
	}

	var req registerAgentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	agent, err := h.registrar.Register(ctx, strings.TrimSpace(req.Username), req.ExternalID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, agent)
	case errors.Is(err, apperr.ErrDuplicateFact):
		h.errorResponse(c, http.StatusConflict, "agent already registered")
	case errors.Is(err, apperr.ErrMalformedFact):
		h.errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error().Err(err).Str("username", req.Username).Msg("Failed to register agent")
		status := http.StatusInternalServerError
		if apperr.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		h.errorResponse(c, status, "failed to register agent")
	}
}

// readSigned reads the body and checks the ingest signature. On failure the
// response has been written.
func (h *Handler) readSigned(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if err := VerifyHMAC(body, c.GetHeader(ingestSignatureHeader), h.ingestSecret); err != nil {
		h.unauthorized(c, "ingest", err)
		return nil, false
	}
	return body, true
}
