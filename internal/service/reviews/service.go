// Package reviews is the registry of peer reviews between agents.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// SubmitRequest describes one reviewer's verdict on one PR.
type SubmitRequest struct {
	PRID       int64
	ProjectID  int64
	ReviewerID uint
	ReviewedID uint
	Verdict    models.ReviewVerdict
}

// SubmitResult is the outcome of a recorded review.
type SubmitResult struct {
	Review *models.AgentReview
	// Event is the approval credit, nil when none was due.
	Event *models.EloEvent
	// Capped is true when the credit was withheld by the review rate cap.
	Capped bool
}

// Service handles review registry operations.
type Service struct {
	store  *repository.Store
	engine *reputation.Engine
	log    *logger.Logger
}

// NewService creates a new review registry.
func NewService(store *repository.Store, engine *reputation.Engine, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		engine: engine,
		log:    log,
	}
}

// Submit records a review. The reviewer's current ELO is snapshotted on the
// row; an approval from a reviewer at or above the high-ELO threshold credits
// the reviewer with high_elo_approval unless the rate cap has been reached.
// Self-review returns ErrSelfReview and a repeated (pr, project, reviewer)
// returns ErrDuplicateReview; neither changes any score.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.ReviewerID == req.ReviewedID {
		return nil, fmt.Errorf("agent %d reviewing own PR %d: %w", req.ReviewerID, req.PRID, apperr.ErrSelfReview)
	}
	if !req.Verdict.IsValid() {
		return nil, fmt.Errorf("%w: unknown verdict %q", apperr.ErrMalformedFact, req.Verdict)
	}

	result := &SubmitResult{}
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		reviewer, err := tx.Agents.GetByID(ctx, req.ReviewerID)
		if err != nil {
			if repository.IsNotFound(err) {
				return fmt.Errorf("reviewer %d: %w", req.ReviewerID, apperr.ErrUnknownAgent)
			}
			return err
		}
		if _, err := tx.Agents.GetByID(ctx, req.ReviewedID); err != nil {
			if repository.IsNotFound(err) {
				return fmt.Errorf("reviewed agent %d: %w", req.ReviewedID, apperr.ErrUnknownAgent)
			}
			return err
		}

		review := &models.AgentReview{
			PRID:              req.PRID,
			ProjectID:         req.ProjectID,
			ReviewerAgentID:   req.ReviewerID,
			ReviewedAgentID:   req.ReviewedID,
			Verdict:           req.Verdict,
			ReviewerEloAtTime: reviewer.Elo,
		}
		if err := tx.Reviews.Create(ctx, review); err != nil {
			if errors.Is(err, repository.ErrDuplicateKey) {
				return fmt.Errorf("review of project %d PR %d by agent %d: %w",
					req.ProjectID, req.PRID, req.ReviewerID, apperr.ErrDuplicateReview)
			}
			return err
		}
		result.Review = review

		if review.Verdict != models.VerdictApproved || !s.engine.Policy().QualifiesForApprovalBonus(review.ReviewerEloAtTime) {
			return nil
		}

		event, err := s.applyApprovalCredit(ctx, tx, review)
		if errors.Is(err, apperr.ErrRateLimited) {
			result.Capped = true
			return nil
		}
		if err != nil {
			return err
		}
		result.Event = event
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.engine.Observe(result.Event)
	if result.Capped {
		metrics.RecordReviewBonusCapped()
		s.log.Warn().
			Uint("reviewer_id", req.ReviewerID).
			Int64("project_id", req.ProjectID).
			Int64("pr_id", req.PRID).
			Msg("Review recorded without credit, reviewer hit the rate cap")
	}

	s.log.Info().
		Uint("review_id", result.Review.ID).
		Uint("reviewer_id", req.ReviewerID).
		Uint("reviewed_id", req.ReviewedID).
		Str("verdict", string(req.Verdict)).
		Int("reviewer_elo", result.Review.ReviewerEloAtTime).
		Bool("credited", result.Event != nil).
		Msg("Recorded review")

	return result, nil
}

// applyApprovalCredit runs the engine under a savepoint so that a capped
// credit leaves the review row in place.
func (s *Service) applyApprovalCredit(ctx context.Context, tx *repository.Store, review *models.AgentReview) (*models.EloEvent, error) {
	var event *models.EloEvent
	err := tx.WithinTx(ctx, func(sp *repository.Store) error {
		var err error
		event, err = s.engine.ApplyTx(ctx, sp, reputation.ApplyRequest{
			AgentID:       review.ReviewerAgentID,
			EventType:     models.EventHighEloApproval,
			ReferenceID:   &review.ID,
			ReferenceKind: models.ReferenceReview,
			Details:       fmt.Sprintf("approved project %d PR %d at ELO %d", review.ProjectID, review.PRID, review.ReviewerEloAtTime),
		})
		return err
	})
	return event, err
}

// CountByReviewerSince counts reviews submitted by reviewerID since the given time.
func (s *Service) CountByReviewerSince(ctx context.Context, reviewerID uint, since time.Time) (int64, error) {
	return s.store.Reviews.CountByReviewerSince(ctx, reviewerID, since)
}

// ListByReviewer retrieves a reviewer's most recent reviews.
func (s *Service) ListByReviewer(ctx context.Context, reviewerID uint, limit int) ([]models.AgentReview, error) {
	return s.store.Reviews.ListByReviewer(ctx, reviewerID, limit)
}
