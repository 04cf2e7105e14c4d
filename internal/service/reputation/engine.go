// Package reputation applies the ELO policy to agents and keeps the audit trail.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// replayBatchSize is the page size used when replaying an audit trail.
const replayBatchSize = 500

// ApplyRequest describes one ELO mutation.
type ApplyRequest struct {
	AgentID       uint
	EventType     models.EloEventType
	ReferenceID   *uint
	ReferenceKind string
	Details       string
	// Units scales the policy delta (e.g. several bug references in one fact).
	Units int
}

// Engine is the only writer of Agent.Elo, Agent.Tier and EloEvent.
type Engine struct {
	store  *repository.Store
	policy *Policy
	log    *logger.Logger
	now    func() time.Time
}

// NewEngine creates a new reputation engine.
func NewEngine(store *repository.Store, policy *Policy, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		log:    log,
		now:    repository.NowUTC,
	}
}

// SetClock overrides the engine clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Policy returns the engine policy.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Register creates an agent at the initial ELO.
func (e *Engine) Register(ctx context.Context, username string, externalID *int64) (*models.Agent, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", apperr.ErrMalformedFact)
	}

	agent := &models.Agent{
		Username:   username,
		ExternalID: externalID,
		Elo:        e.policy.InitialElo,
		Tier:       models.TierForElo(e.policy.InitialElo),
	}
	if err := e.store.Agents.Create(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, fmt.Errorf("agent %s already registered: %w", username, apperr.ErrDuplicateFact)
		}
		return nil, err
	}

	e.log.Info().
		Uint("agent_id", agent.ID).
		Str("username", username).
		Int("elo", agent.Elo).
		Msg("Registered agent")
	return agent, nil
}

// Apply runs one ELO mutation in its own transaction and returns the audit event.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*models.EloEvent, error) {
	var event *models.EloEvent
	err := e.store.WithinTx(ctx, func(tx *repository.Store) error {
		var err error
		event, err = e.ApplyTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Observe(event)
	return event, nil
}

// ApplyTx runs one ELO mutation inside the caller's transaction. The agent row
// is locked until that transaction ends, so concurrent mutations for the same
// agent serialize. Callers must call Observe after committing.
func (e *Engine) ApplyTx(ctx context.Context, tx *repository.Store, req ApplyRequest) (*models.EloEvent, error) {
	if !req.EventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", apperr.ErrInvalidEventType, req.EventType)
	}
	policyDelta, err := e.policy.Delta(req.EventType, req.Units)
	if err != nil {
		return nil, err
	}

	agent, err := tx.Agents.GetByIDForUpdate(ctx, req.AgentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("agent %d: %w", req.AgentID, apperr.ErrUnknownAgent)
		}
		return nil, err
	}

	if req.EventType == models.EventHighEloApproval {
		if err := e.checkReviewRate(ctx, tx, agent.ID); err != nil {
			return nil, err
		}
	}

	newElo, applied := e.policy.Clamp(agent.Elo, policyDelta)
	tier := models.TierForElo(newElo)

	if err := tx.Agents.UpdateElo(ctx, agent.ID, newElo, tier); err != nil {
		return nil, err
	}

	event := &models.EloEvent{
		AgentID:       agent.ID,
		EventType:     req.EventType,
		Delta:         applied,
		PolicyDelta:   policyDelta,
		OldElo:        agent.Elo,
		NewElo:        newElo,
		ReferenceID:   req.ReferenceID,
		ReferenceKind: req.ReferenceKind,
		Details:       req.Details,
		CreatedAt:     e.now(),
	}
	if err := tx.EloEvents.Create(ctx, event); err != nil {
		return nil, err
	}

	e.log.Debug().
		Uint("agent_id", agent.ID).
		Str("event_type", string(req.EventType)).
		Int("policy_delta", policyDelta).
		Int("delta", applied).
		Int("old_elo", agent.Elo).
		Int("new_elo", newElo).
		Str("tier", string(tier)).
		Msg("Applied ELO event")

	return event, nil
}

// Observe records metrics for committed events.
func (e *Engine) Observe(events ...*models.EloEvent) {
	for _, event := range events {
		if event == nil {
			continue
		}
		metrics.RecordEloEvent(string(event.EventType), event.Delta)
		if event.OldElo != event.NewElo && models.TierForElo(event.OldElo) != models.TierForElo(event.NewElo) {
			e.log.Info().
				Uint("agent_id", event.AgentID).
				Str("from", string(models.TierForElo(event.OldElo))).
				Str("to", string(models.TierForElo(event.NewElo))).
				Msg("Agent changed tier")
		}
	}
}

// checkReviewRate caps approval credit per reviewer per trailing window.
// The count includes the review that triggered this credit.
func (e *Engine) checkReviewRate(ctx context.Context, tx *repository.Store, reviewerID uint) error {
	if e.policy.ReviewRateLimit <= 0 || e.policy.ReviewRateWindow <= 0 {
		return nil
	}
	since := e.now().Add(-e.policy.ReviewRateWindow)
	count, err := tx.Reviews.CountByReviewerSince(ctx, reviewerID, since)
	if err != nil {
		return err
	}
	if count > int64(e.policy.ReviewRateLimit) {
		return fmt.Errorf("agent %d submitted %d reviews in %s: %w",
			reviewerID, count, e.policy.ReviewRateWindow, apperr.ErrRateLimited)
	}
	return nil
}

// Standing is an agent's current reputation.
type Standing struct {
	AgentID  uint        `json:"agent_id"`
	Username string      `json:"username"`
	Elo      int         `json:"elo"`
	Tier     models.Tier `json:"tier"`
}

// Standing returns the current (elo, tier) of an agent.
func (e *Engine) Standing(ctx context.Context, agentID uint) (*Standing, error) {
	agent, err := e.store.Agents.GetByID(ctx, agentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("agent %d: %w", agentID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &Standing{
		AgentID:  agent.ID,
		Username: agent.Username,
		Elo:      agent.Elo,
		Tier:     agent.Tier,
	}, nil
}

// History returns one page (1-based) of an agent's audit trail in creation
// order, plus the total number of events.
func (e *Engine) History(ctx context.Context, agentID uint, page, perPage int) ([]models.EloEvent, int64, error) {
	if _, err := e.Standing(ctx, agentID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	total, err := e.store.EloEvents.CountByAgent(ctx, agentID)
	if err != nil {
		return nil, 0, err
	}
	// Pages past the end are empty; checked before the offset can overflow.
	pages := (total + int64(perPage) - 1) / int64(perPage)
	if int64(page-1) >= pages {
		return []models.EloEvent{}, total, nil
	}
	events, err := e.store.EloEvents.ListByAgent(ctx, agentID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Verification is the result of replaying an agent's audit trail.
type Verification struct {
	AgentID     uint  `json:"agent_id"`
	StoredElo   int   `json:"stored_elo"`
	ReplayedElo int   `json:"replayed_elo"`
	EventCount  int64 `json:"event_count"`
	// ChainBreaks counts events whose old_elo differs from the running total.
	ChainBreaks int  `json:"chain_breaks"`
	Consistent  bool `json:"consistent"`
}

// Verify replays an agent's audit trail from the initial ELO and compares the
// result with the stored ELO.
func (e *Engine) Verify(ctx context.Context, agentID uint) (*Verification, error) {
	agent, err := e.store.Agents.GetByID(ctx, agentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("agent %d: %w", agentID, apperr.ErrNotFound)
		}
		return nil, err
	}

	result := &Verification{
		AgentID:     agent.ID,
		StoredElo:   agent.Elo,
		ReplayedElo: e.policy.InitialElo,
	}

	for offset := 0; ; offset += replayBatchSize {
		events, err := e.store.EloEvents.ListByAgent(ctx, agentID, replayBatchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			if event.OldElo != result.ReplayedElo {
				result.ChainBreaks++
			}
			result.ReplayedElo += event.Delta
			result.EventCount++
		}
		if len(events) < replayBatchSize {
			break
		}
	}

	result.Consistent = result.ReplayedElo == result.StoredElo && result.ChainBreaks == 0
	if !result.Consistent {
		metrics.RecordReplayDrift()
		e.log.Warn().
			Uint("agent_id", agentID).
			Int("stored_elo", result.StoredElo).
			Int("replayed_elo", result.ReplayedElo).
			Int("chain_breaks", result.ChainBreaks).
			Msg("Audit trail replay does not match stored ELO")
	}
	return result, nil
}

// VerifyAll replays every agent and returns the inconsistent ones.
func (e *Engine) VerifyAll(ctx context.Context) ([]*Verification, error) {
	ids, err := e.store.Agents.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifted []*Verification
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		v, err := e.Verify(ctx, id)
		if err != nil {
			return drifted, err
		}
		if !v.Consistent {
			drifted = append(drifted, v)
		}
	}
	return drifted, nil
}

// RefreshTierGauge publishes the number of agents per tier.
func (e *Engine) RefreshTierGauge(ctx context.Context) error {
	counts, err := e.store.Agents.CountByTier(ctx)
	if err != nil {
		return err
	}
	for tier, count := range counts {
		metrics.SetAgentsByTier(string(tier), count)
	}
	return nil
}
