package models

import (
	"time"
)

// ContributionStatus is the lifecycle state of a code contribution.
type ContributionStatus string

// ContributionStatus constants. Healthy is the only non-terminal state.
const (
	ContributionHealthy  ContributionStatus = "healthy"
	ContributionReverted ContributionStatus = "reverted"
	ContributionReplaced ContributionStatus = "replaced"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ContributionStatus) IsTerminal() bool {
	return s == ContributionReverted || s == ContributionReplaced
}

// CodeContribution represents one merged unit of work.
type CodeContribution struct {
	ID                 uint               `gorm:"primaryKey" json:"id"`
	AgentID            uint               `gorm:"not null;index" json:"agent_id"`
	Agent              *Agent             `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	ProjectID          int64              `gorm:"not null;uniqueIndex:idx_contributions_project_pr" json:"project_id"`
	PRNumber           int64              `gorm:"column:pr_number;not null;uniqueIndex:idx_contributions_project_pr" json:"pr_number"`
	CommitSHA          string             `gorm:"column:commit_sha;size:64;not null;uniqueIndex" json:"commit_sha"`
	Status             ContributionStatus `gorm:"size:20;not null;index" json:"status"`
	BugCount           int                `gorm:"not null;default:0" json:"bug_count"`
	LongevityBonusPaid bool               `gorm:"not null;default:false" json:"longevity_bonus_paid"`
	DependentPRsCount  int                `gorm:"column:dependent_prs_count;not null;default:0" json:"dependent_prs_count"`
	MergedAt           time.Time          `gorm:"not null;index" json:"merged_at"`
	RevertedAt         *time.Time         `json:"reverted_at,omitempty"`
	ReplacedAt         *time.Time         `json:"replaced_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// TableName specifies the table name for CodeContribution model.
func (CodeContribution) TableName() string {
	return "code_contributions"
}

// CanTransition reports whether the contribution may move to next.
// Healthy may move to either terminal state; terminal states never move.
func (c *CodeContribution) CanTransition(next ContributionStatus) bool {
	return c.Status == ContributionHealthy && next.IsTerminal()
}

// IsEligibleForLongevity reports whether the longevity bonus may fire at now.
func (c *CodeContribution) IsEligibleForLongevity(now time.Time, threshold time.Duration) bool {
	if c.LongevityBonusPaid || c.Status != ContributionHealthy {
		return false
	}
	return !c.MergedAt.After(now.Add(-threshold))
}

// ReplacedWithin reports whether at falls inside window after the merge.
// A zero window means every replacement is inside it.
func (c *CodeContribution) ReplacedWithin(at time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return at.Sub(c.MergedAt) <= window
}
