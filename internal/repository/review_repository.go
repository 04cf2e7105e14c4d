package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// ReviewRepository handles agent review database operations.
type ReviewRepository struct {
	db *DB
}

// NewReviewRepository creates a new review repository.
func NewReviewRepository(db *DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Create inserts a review. A conflict on (pr_id, project_id, reviewer_agent_id)
// returns ErrDuplicateKey.
func (r *ReviewRepository) Create(ctx context.Context, review *models.AgentReview) error {
	if err := r.db.WithContext(ctx).Create(review).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("failed to create review for project %d, PR %d by agent %d: %w",
				review.ProjectID, review.PRID, review.ReviewerAgentID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// GetByKey retrieves a review by its natural key.
func (r *ReviewRepository) GetByKey(ctx context.Context, prID, projectID int64, reviewerID uint) (*models.AgentReview, error) {
	var review models.AgentReview
	err := r.db.WithContext(ctx).
		Where("pr_id = ? AND project_id = ? AND reviewer_agent_id = ?", prID, projectID, reviewerID).
		First(&review).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get review for project %d, PR %d by agent %d: %w", projectID, prID, reviewerID, err)
	}
	return &review, nil
}

// CountByReviewerSince counts reviews submitted by reviewerID at or after since.
func (r *ReviewRepository) CountByReviewerSince(ctx context.Context, reviewerID uint, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.AgentReview{}).
		Where("reviewer_agent_id = ? AND created_at >= ?", reviewerID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews for agent %d: %w", reviewerID, err)
	}
	return count, nil
}

// ListByReviewer retrieves reviews submitted by reviewerID, newest first.
func (r *ReviewRepository) ListByReviewer(ctx context.Context, reviewerID uint, limit int) ([]models.AgentReview, error) {
	var reviews []models.AgentReview
	query := r.db.WithContext(ctx).
		Where("reviewer_agent_id = ?", reviewerID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("failed to list reviews for agent %d: %w", reviewerID, err)
	}
	return reviews, nil
}
