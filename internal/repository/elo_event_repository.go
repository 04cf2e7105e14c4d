package repository

import (
	"context"
	"fmt"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// EloEventRepository handles the append-only ELO audit trail.
// It exposes no update or delete operations.
type EloEventRepository struct {
	db *DB
}

// NewEloEventRepository creates a new ELO event repository.
func NewEloEventRepository(db *DB) *EloEventRepository {
	return &EloEventRepository{db: db}
}

// Create appends an event.
func (r *EloEventRepository) Create(ctx context.Context, event *models.EloEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create elo event: %w", err)
	}
	return nil
}

// ListByAgent retrieves a page of an agent's events in creation order.
func (r *EloEventRepository) ListByAgent(ctx context.Context, agentID uint, limit, offset int) ([]models.EloEvent, error) {
	var events []models.EloEvent
	query := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at ASC").
		Order("id ASC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list elo events for agent %d: %w", agentID, err)
	}
	return events, nil
}

// CountByAgent counts an agent's events.
func (r *EloEventRepository) CountByAgent(ctx context.Context, agentID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.EloEvent{}).
		Where("agent_id = ?", agentID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count elo events for agent %d: %w", agentID, err)
	}
	return count, nil
}

// ListByReference retrieves the events caused by one contribution or review.
func (r *EloEventRepository) ListByReference(ctx context.Context, kind string, referenceID uint) ([]models.EloEvent, error) {
	var events []models.EloEvent
	err := r.db.WithContext(ctx).
		Where("reference_kind = ? AND reference_id = ?", kind, referenceID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list elo events for %s %d: %w", kind, referenceID, err)
	}
	return events, nil
}
