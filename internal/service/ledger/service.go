// Package ledger owns code contributions and their lifecycle transitions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// OpenRequest describes a merged PR.
type OpenRequest struct {
	ProjectID int64
	PRNumber  int64
	CommitSHA string
	AgentID   uint
	MergedAt  time.Time
}

// TransitionResult is the outcome of MarkReverted or MarkReplaced.
type TransitionResult struct {
	Contribution *models.CodeContribution
	// Applied is false when the contribution was already terminal.
	Applied bool
	// Event is nil when no ELO change was due.
	Event *models.EloEvent
}

// Service handles contribution ledger operations.
type Service struct {
	store             *repository.Store
	engine            *reputation.Engine
	replacementWindow time.Duration
	log               *logger.Logger
}

// NewService creates a new ledger service. Replacements later than
// replacementWindow after the merge carry no penalty; zero disables the window.
func NewService(store *repository.Store, engine *reputation.Engine, replacementWindow time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:             store,
		engine:            engine,
		replacementWindow: replacementWindow,
		log:               log,
	}
}

// Open records a merged PR as a healthy contribution and credits pr_merged.
// A conflict on (project_id, pr_number) or commit_sha returns ErrDuplicateFact
// and leaves no side effects.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*models.CodeContribution, *models.EloEvent, error) {
	if req.ProjectID <= 0 || req.PRNumber <= 0 || strings.TrimSpace(req.CommitSHA) == "" {
		return nil, nil, fmt.Errorf("%w: merge requires project, PR number and commit", apperr.ErrMalformedFact)
	}
	if req.MergedAt.IsZero() {
		req.MergedAt = repository.NowUTC()
	}

	contribution := &models.CodeContribution{
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		PRNumber:  req.PRNumber,
		CommitSHA: strings.TrimSpace(req.CommitSHA),
		Status:    models.ContributionHealthy,
		MergedAt:  req.MergedAt.UTC(),
	}

	var event *models.EloEvent
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		if _, err := tx.Agents.GetByID(ctx, req.AgentID); err != nil {
			if repository.IsNotFound(err) {
				return fmt.Errorf("agent %d: %w", req.AgentID, apperr.ErrUnknownAgent)
			}
			return err
		}

		if err := tx.Contributions.Create(ctx, contribution); err != nil {
			if errors.Is(err, repository.ErrDuplicateKey) {
				return fmt.Errorf("merge of project %d PR %d: %w", req.ProjectID, req.PRNumber, apperr.ErrDuplicateFact)
			}
			return err
		}

		var err error
		event, err = s.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
			AgentID:       req.AgentID,
			EventType:     models.EventPrMerged,
			ReferenceID:   &contribution.ID,
			ReferenceKind: models.ReferenceContribution,
			Details:       fmt.Sprintf("project %d PR #%d merged as %s", req.ProjectID, req.PRNumber, contribution.CommitSHA),
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.engine.Observe(event)

	s.log.Info().
		Uint("contribution_id", contribution.ID).
		Uint("agent_id", req.AgentID).
		Int64("project_id", req.ProjectID).
		Int64("pr_number", req.PRNumber).
		Str("commit_sha", contribution.CommitSHA).
		Msg("Opened contribution")

	return contribution, event, nil
}

// MarkReverted moves a healthy contribution to reverted and applies
// commit_reverted. Re-marking a terminal contribution is a no-op.
func (s *Service) MarkReverted(ctx context.Context, id uint, at time.Time, details string) (*TransitionResult, error) {
	return s.transition(ctx, id, models.ContributionReverted, at, details)
}

// MarkReplaced moves a healthy contribution to replaced. code_replaced is
// applied only when the replacement falls within the replacement window.
// Re-marking a terminal contribution is a no-op.
func (s *Service) MarkReplaced(ctx context.Context, id uint, at time.Time, details string) (*TransitionResult, error) {
	return s.transition(ctx, id, models.ContributionReplaced, at, details)
}

func (s *Service) transition(ctx context.Context, id uint, to models.ContributionStatus, at time.Time, details string) (*TransitionResult, error) {
	if at.IsZero() {
		at = repository.NowUTC()
	}
	at = at.UTC()

	result := &TransitionResult{}
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		contribution, err := tx.Contributions.GetByIDForUpdate(ctx, id)
		if err != nil {
			if repository.IsNotFound(err) {
				return fmt.Errorf("contribution %d: %w", id, apperr.ErrNotFound)
			}
			return err
		}
		result.Contribution = contribution

		if !contribution.CanTransition(to) {
			return nil
		}
		moved, err := tx.Contributions.Transition(ctx, id, to, at)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		result.Applied = true
		contribution.Status = to
		switch to {
		case models.ContributionReverted:
			contribution.RevertedAt = &at
		case models.ContributionReplaced:
			contribution.ReplacedAt = &at
		}

		eventType := models.EventCommitReverted
		if to == models.ContributionReplaced {
			if !contribution.ReplacedWithin(at, s.replacementWindow) {
				return nil
			}
			eventType = models.EventCodeReplaced
		}

		result.Event, err = s.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
			AgentID:       contribution.AgentID,
			EventType:     eventType,
			ReferenceID:   &contribution.ID,
			ReferenceKind: models.ReferenceContribution,
			Details:       details,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.engine.Observe(result.Event)

	if result.Applied {
		s.log.Info().
			Uint("contribution_id", id).
			Str("status", string(to)).
			Bool("penalized", result.Event != nil).
			Msg("Contribution transitioned")
	} else {
		s.log.Debug().
			Uint("contribution_id", id).
			Str("status", string(result.Contribution.Status)).
			Str("requested", string(to)).
			Msg("Contribution already terminal, transition skipped")
	}

	return result, nil
}

// RecordDependentPR increments the dependent PR counter and credits
// dependent_pr. Each call is a distinct fact; deduplication belongs to the caller.
func (s *Service) RecordDependentPR(ctx context.Context, id uint, details string) (*models.EloEvent, error) {
	var event *models.EloEvent
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		var err error
		event, err = s.RecordDependentPRTx(ctx, tx, id, details)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.engine.Observe(event)
	return event, nil
}

// RecordDependentPRTx is RecordDependentPR inside the caller's transaction.
func (s *Service) RecordDependentPRTx(ctx context.Context, tx *repository.Store, id uint, details string) (*models.EloEvent, error) {
	contribution, err := lockContribution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Contributions.IncrementDependentPRs(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
		AgentID:       contribution.AgentID,
		EventType:     models.EventDependentPr,
		ReferenceID:   &contribution.ID,
		ReferenceKind: models.ReferenceContribution,
		Details:       details,
	})
}

// RecordBug adds count bug references to a contribution and applies
// bug_referenced scaled by count.
func (s *Service) RecordBug(ctx context.Context, id uint, count int, details string) (*models.EloEvent, error) {
	var event *models.EloEvent
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		var err error
		event, err = s.RecordBugTx(ctx, tx, id, count, details)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.engine.Observe(event)
	return event, nil
}

// RecordBugTx is RecordBug inside the caller's transaction.
func (s *Service) RecordBugTx(ctx context.Context, tx *repository.Store, id uint, count int, details string) (*models.EloEvent, error) {
	if count < 1 {
		count = 1
	}
	contribution, err := lockContribution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Contributions.IncrementBugCount(ctx, id, count); err != nil {
		return nil, err
	}
	return s.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
		AgentID:       contribution.AgentID,
		EventType:     models.EventBugReferenced,
		ReferenceID:   &contribution.ID,
		ReferenceKind: models.ReferenceContribution,
		Details:       details,
		Units:         count,
	})
}

// Get retrieves a contribution by ID.
func (s *Service) Get(ctx context.Context, id uint) (*models.CodeContribution, error) {
	contribution, err := s.store.Contributions.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("contribution %d: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return contribution, nil
}

// GetByProjectAndPR retrieves a contribution by its PR key.
func (s *Service) GetByProjectAndPR(ctx context.Context, projectID, prNumber int64) (*models.CodeContribution, error) {
	contribution, err := s.store.Contributions.GetByProjectAndPR(ctx, projectID, prNumber)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("project %d PR %d: %w", projectID, prNumber, apperr.ErrNotFound)
		}
		return nil, err
	}
	return contribution, nil
}

// FindByCommitSHA resolves a full or abbreviated commit SHA.
func (s *Service) FindByCommitSHA(ctx context.Context, sha string) (*models.CodeContribution, error) {
	contribution, err := s.store.Contributions.FindByCommitSHA(ctx, sha)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("commit %s: %w", sha, apperr.ErrNotFound)
		}
		return nil, err
	}
	return contribution, nil
}

// ListByAgent retrieves an agent's contributions, newest first.
func (s *Service) ListByAgent(ctx context.Context, agentID uint, limit, offset int) ([]models.CodeContribution, error) {
	return s.store.Contributions.ListByAgent(ctx, agentID, limit, offset)
}

func lockContribution(ctx context.Context, tx *repository.Store, id uint) (*models.CodeContribution, error) {
	contribution, err := tx.Contributions.GetByIDForUpdate(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("contribution %d: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return contribution, nil
}
