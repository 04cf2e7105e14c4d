package repository

import (
	"context"
	"fmt"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// ProcessedFactRepository records natural keys of facts that have been applied.
type ProcessedFactRepository struct {
	db *DB
}

// NewProcessedFactRepository creates a new processed fact repository.
func NewProcessedFactRepository(db *DB) *ProcessedFactRepository {
	return &ProcessedFactRepository{db: db}
}

// Claim inserts the natural key. It returns ErrDuplicateKey when the key has
// already been claimed, which callers treat as a redelivery.
func (r *ProcessedFactRepository) Claim(ctx context.Context, factType, naturalKey string, agentID uint) error {
	record := &models.ProcessedFact{
		FactType:   factType,
		NaturalKey: naturalKey,
		AgentID:    agentID,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("fact %s/%s already processed: %w", factType, naturalKey, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to record processed fact: %w", err)
	}
	return nil
}

// Exists reports whether the natural key has been claimed.
func (r *ProcessedFactRepository) Exists(ctx context.Context, factType, naturalKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProcessedFact{}).
		Where("fact_type = ? AND natural_key = ?", factType, naturalKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check processed fact: %w", err)
	}
	return count > 0, nil
}
