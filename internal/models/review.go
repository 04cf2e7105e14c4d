package models

import (
	"time"
)

// ReviewVerdict is a reviewer's verdict on a PR.
type ReviewVerdict string

// ReviewVerdict constants.
const (
	VerdictApproved         ReviewVerdict = "approved"
	VerdictChangesRequested ReviewVerdict = "changes_requested"
)

// IsValid reports whether v is a known verdict.
func (v ReviewVerdict) IsValid() bool {
	return v == VerdictApproved || v == VerdictChangesRequested
}

// AgentReview represents one reviewer's verdict on one PR.
// ReviewerEloAtTime is written on insert and never updated.
type AgentReview struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	PRID              int64         `gorm:"column:pr_id;not null;uniqueIndex:idx_agent_reviews_unique" json:"pr_id"`
	ProjectID         int64         `gorm:"not null;uniqueIndex:idx_agent_reviews_unique" json:"project_id"`
	ReviewerAgentID   uint          `gorm:"not null;uniqueIndex:idx_agent_reviews_unique;index:idx_agent_reviews_reviewer_created,priority:1" json:"reviewer_agent_id"`
	ReviewedAgentID   uint          `gorm:"not null;index" json:"reviewed_agent_id"`
	Verdict           ReviewVerdict `gorm:"size:30;not null" json:"verdict"`
	ReviewerEloAtTime int           `gorm:"<-:create;not null" json:"reviewer_elo_at_time"`
	CreatedAt         time.Time     `gorm:"index:idx_agent_reviews_reviewer_created,priority:2" json:"created_at"`
}

// TableName specifies the table name for AgentReview model.
func (AgentReview) TableName() string {
	return "agent_reviews"
}
