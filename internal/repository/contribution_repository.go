package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/models"
)

// MinCommitPrefix is the shortest abbreviated SHA accepted for prefix lookups.
const MinCommitPrefix = 7

// ContributionRepository handles code contribution database operations.
type ContributionRepository struct {
	db *DB
}

// NewContributionRepository creates a new contribution repository.
func NewContributionRepository(db *DB) *ContributionRepository {
	return &ContributionRepository{db: db}
}

// Create inserts a contribution. A conflict on (project_id, pr_number) or
// commit_sha returns ErrDuplicateKey.
func (r *ContributionRepository) Create(ctx context.Context, c *models.CodeContribution) error {
	c.CommitSHA = strings.ToLower(c.CommitSHA)
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("failed to create contribution for project %d, PR %d: %w", c.ProjectID, c.PRNumber, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create contribution: %w", err)
	}
	return nil
}

// GetByID retrieves a contribution by ID.
func (r *ContributionRepository) GetByID(ctx context.Context, id uint) (*models.CodeContribution, error) {
	var c models.CodeContribution
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get contribution by id %d: %w", id, err)
	}
	return &c, nil
}

// GetByIDForUpdate retrieves a contribution and locks its row.
func (r *ContributionRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.CodeContribution, error) {
	var c models.CodeContribution
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&c, id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock contribution %d: %w", id, err)
	}
	return &c, nil
}

// GetByProjectAndPR retrieves a contribution by project ID and PR number.
func (r *ContributionRepository) GetByProjectAndPR(ctx context.Context, projectID, prNumber int64) (*models.CodeContribution, error) {
	var c models.CodeContribution
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND pr_number = ?", projectID, prNumber).
		First(&c).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get contribution for project %d, PR %d: %w", projectID, prNumber, err)
	}
	return &c, nil
}

// FindByCommitSHA resolves a full or abbreviated commit SHA. An abbreviation
// must be at least MinCommitPrefix characters and match exactly one row.
func (r *ContributionRepository) FindByCommitSHA(ctx context.Context, sha string) (*models.CodeContribution, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))

	var c models.CodeContribution
	err := r.db.WithContext(ctx).Where("commit_sha = ?", sha).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to get contribution by commit %s: %w", sha, err)
	}
	if len(sha) < MinCommitPrefix || !isHex(sha) {
		return nil, fmt.Errorf("failed to get contribution by commit %s: %w", sha, gorm.ErrRecordNotFound)
	}

	var candidates []models.CodeContribution
	err = r.db.WithContext(ctx).
		Where("commit_sha LIKE ?", sha+"%").
		Limit(2).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search contribution by commit prefix %s: %w", sha, err)
	}
	if len(candidates) != 1 {
		return nil, fmt.Errorf("failed to resolve commit prefix %s (%d candidates): %w", sha, len(candidates), gorm.ErrRecordNotFound)
	}
	return &candidates[0], nil
}

// Transition moves a healthy contribution to a terminal status. The update is
// guarded on status = healthy, so it reports false when another writer already
// moved the row.
func (r *ContributionRepository) Transition(ctx context.Context, id uint, to models.ContributionStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.ContributionReverted:
		updates["reverted_at"] = at
	case models.ContributionReplaced:
		updates["replaced_at"] = at
	default:
		return false, fmt.Errorf("contribution %d to %q: %w", id, to, apperr.ErrInvalidTransition)
	}

	result := r.db.WithContext(ctx).
		Model(&models.CodeContribution{}).
		Where("id = ? AND status = ?", id, models.ContributionHealthy).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition contribution %d to %s: %w", id, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkLongevityPaid sets the longevity latch on a healthy, unpaid contribution.
// It reports false when the latch was already set or the row is terminal.
func (r *ContributionRepository) MarkLongevityPaid(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.CodeContribution{}).
		Where("id = ? AND status = ? AND longevity_bonus_paid = ?", id, models.ContributionHealthy, false).
		Update("longevity_bonus_paid", true)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark longevity paid for contribution %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IncrementBugCount adds n to the bug counter.
func (r *ContributionRepository) IncrementBugCount(ctx context.Context, id uint, n int) error {
	result := r.db.WithContext(ctx).
		Model(&models.CodeContribution{}).
		Where("id = ?", id).
		Update("bug_count", gorm.Expr("bug_count + ?", n))
	if result.Error != nil {
		return fmt.Errorf("failed to increment bug count for contribution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to increment bug count for contribution %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// IncrementDependentPRs adds one to the dependent PR counter.
func (r *ContributionRepository) IncrementDependentPRs(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.CodeContribution{}).
		Where("id = ?", id).
		Update("dependent_prs_count", gorm.Expr("dependent_prs_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment dependent PRs for contribution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to increment dependent PRs for contribution %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// FindEligibleForLongevity returns up to limit healthy, unpaid contributions
// merged at or before mergedBefore with id greater than afterID, ordered by id.
func (r *ContributionRepository) FindEligibleForLongevity(ctx context.Context, mergedBefore time.Time, afterID uint, limit int) ([]models.CodeContribution, error) {
	var contributions []models.CodeContribution
	err := r.db.WithContext(ctx).
		Where("status = ? AND longevity_bonus_paid = ?", models.ContributionHealthy, false).
		Where("merged_at <= ?", mergedBefore).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&contributions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find contributions eligible for longevity: %w", err)
	}
	return contributions, nil
}

// ListByAgent retrieves an agent's contributions, newest merge first.
func (r *ContributionRepository) ListByAgent(ctx context.Context, agentID uint, limit, offset int) ([]models.CodeContribution, error) {
	var contributions []models.CodeContribution
	query := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("merged_at DESC").
		Order("id DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&contributions).Error; err != nil {
		return nil, fmt.Errorf("failed to list contributions for agent %d: %w", agentID, err)
	}
	return contributions, nil
}

// CountByStatus returns an agent's contribution counts per status.
func (r *ContributionRepository) CountByStatus(ctx context.Context, agentID uint) (map[models.ContributionStatus]int64, error) {
	var rows []struct {
		Status models.ContributionStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.CodeContribution{}).
		Select("status, count(*) as count").
		Where("agent_id = ?", agentID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count contributions for agent %d: %w", agentID, err)
	}

	counts := map[models.ContributionStatus]int64{
		models.ContributionHealthy:  0,
		models.ContributionReverted: 0,
		models.ContributionReplaced: 0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
