package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// DeadLetterRepository stores facts that could not be applied.
type DeadLetterRepository struct {
	db *DB
}

// NewDeadLetterRepository creates a new dead letter repository.
func NewDeadLetterRepository(db *DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create stores a dead letter.
func (r *DeadLetterRepository) Create(ctx context.Context, dl *models.DeadLetter) error {
	if err := r.db.WithContext(ctx).Create(dl).Error; err != nil {
		return fmt.Errorf("failed to create dead letter: %w", err)
	}
	return nil
}

// ListUnresolved retrieves unresolved dead letters, oldest first.
func (r *DeadLetterRepository) ListUnresolved(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	var letters []models.DeadLetter
	query := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&letters).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// Resolve marks a dead letter as handled by an operator.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.DeadLetter{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if result.Error != nil {
		return fmt.Errorf("failed to resolve dead letter %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to resolve dead letter %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// CountUnresolved counts unresolved dead letters.
func (r *DeadLetterRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.DeadLetter{}).Where("resolved_at IS NULL").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}
