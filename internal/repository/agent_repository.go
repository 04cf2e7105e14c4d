package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// AgentRepository handles agent-related database operations.
type AgentRepository struct {
	db *DB
}

// NewAgentRepository creates a new agent repository.
func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create registers a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("failed to create agent %s: %w", agent.Username, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by ID.
func (r *AgentRepository) GetByID(ctx context.Context, id uint) (*models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).First(&agent, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get agent by id %d: %w", id, err)
	}
	return &agent, nil
}

// GetByIDForUpdate retrieves an agent and locks its row until the surrounding
// transaction ends. Must be called on a transaction-bound repository.
func (r *AgentRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&agent, id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock agent %d: %w", id, err)
	}
	return &agent, nil
}

// GetByUsername retrieves an agent by git-host username.
func (r *AgentRepository) GetByUsername(ctx context.Context, username string) (*models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&agent).Error; err != nil {
		return nil, fmt.Errorf("failed to get agent by username %s: %w", username, err)
	}
	return &agent, nil
}

// GetByExternalID retrieves an agent by numeric git-host user ID.
func (r *AgentRepository) GetByExternalID(ctx context.Context, externalID int64) (*models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&agent).Error; err != nil {
		return nil, fmt.Errorf("failed to get agent by external_id %d: %w", externalID, err)
	}
	return &agent, nil
}

// UpdateElo writes the cached ELO and tier projection.
func (r *AgentRepository) UpdateElo(ctx context.Context, id uint, elo int, tier models.Tier) error {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"elo": elo, "tier": tier})
	if result.Error != nil {
		return fmt.Errorf("failed to update elo for agent %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to update elo for agent %d: no such agent", id)
	}
	return nil
}

// List retrieves agents ordered by ELO, optionally filtered by tier.
func (r *AgentRepository) List(ctx context.Context, tier models.Tier, limit int) ([]models.Agent, error) {
	query := r.db.WithContext(ctx).Model(&models.Agent{})

	if tier != "" {
		query = query.Where("tier = ?", tier)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var agents []models.Agent
	if err := query.Order("elo DESC").Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// CountWithEloAbove counts agents whose ELO is strictly greater than elo.
func (r *AgentRepository) CountWithEloAbove(ctx context.Context, elo int) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Agent{}).Where("elo > ?", elo).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count agents above %d: %w", elo, err)
	}
	return count, nil
}

// ListIDs returns every agent ID in ascending order.
func (r *AgentRepository) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Agent{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list agent ids: %w", err)
	}
	return ids, nil
}

// CountByTier returns the number of agents in each tier.
func (r *AgentRepository) CountByTier(ctx context.Context) (map[models.Tier]int64, error) {
	var rows []struct {
		Tier  models.Tier
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Select("tier, count(*) as count").
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count agents by tier: %w", err)
	}

	counts := map[models.Tier]int64{
		models.TierBronze: 0,
		models.TierSilver: 0,
		models.TierGold:   0,
	}
	for _, row := range rows {
		counts[row.Tier] = row.Count
	}
	return counts, nil
}
