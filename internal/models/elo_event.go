package models

import (
	"fmt"
	"strings"
	"time"
)

// EloEventType identifies the policy rule that produced an ELO change.
type EloEventType string

// EloEventType constants.
const (
	EventPrMerged           EloEventType = "pr_merged"
	EventHighEloApproval    EloEventType = "high_elo_approval"
	EventLongevityBonus     EloEventType = "longevity_bonus"
	EventDependentPr        EloEventType = "dependent_pr"
	EventCommitReverted     EloEventType = "commit_reverted"
	EventBugReferenced      EloEventType = "bug_referenced"
	EventPrRejected         EloEventType = "pr_rejected"
	EventLowPeerReviewScore EloEventType = "low_peer_review_score"
	EventCodeReplaced       EloEventType = "code_replaced"
)

// AllEloEventTypes lists the full taxonomy in policy-table order.
var AllEloEventTypes = []EloEventType{
	EventPrMerged,
	EventHighEloApproval,
	EventLongevityBonus,
	EventDependentPr,
	EventCommitReverted,
	EventBugReferenced,
	EventPrRejected,
	EventLowPeerReviewScore,
	EventCodeReplaced,
}

// ParseEloEventType parses a case-insensitive event type name.
func ParseEloEventType(s string) (EloEventType, error) {
	t := EloEventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown ELO event type %q", s)
	}
	return t, nil
}

// IsValid reports whether t belongs to the taxonomy.
func (t EloEventType) IsValid() bool {
	for _, known := range AllEloEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsReward reports whether t is expected to carry a positive delta.
func (t EloEventType) IsReward() bool {
	switch t {
	case EventPrMerged, EventHighEloApproval, EventLongevityBonus, EventDependentPr:
		return true
	default:
		return false
	}
}

// Reference kinds for EloEvent.ReferenceKind.
const (
	ReferenceContribution = "contribution"
	ReferenceReview       = "review"
)

// EloEvent is an immutable audit record of one ELO mutation.
// Delta is the change actually applied (after clamping at the floor);
// PolicyDelta is what the policy table asked for.
type EloEvent struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	AgentID       uint         `gorm:"not null;index:idx_elo_events_agent_created,priority:1" json:"agent_id"`
	EventType     EloEventType `gorm:"size:50;not null;index" json:"event_type"`
	Delta         int          `gorm:"not null" json:"delta"`
	PolicyDelta   int          `gorm:"not null" json:"policy_delta"`
	OldElo        int          `gorm:"not null" json:"old_elo"`
	NewElo        int          `gorm:"not null" json:"new_elo"`
	ReferenceID   *uint        `json:"reference_id,omitempty"`
	ReferenceKind string       `gorm:"size:20" json:"reference_kind,omitempty"`
	Details       string       `gorm:"type:text" json:"details,omitempty"`
	CreatedAt     time.Time    `gorm:"index:idx_elo_events_agent_created,priority:2" json:"created_at"`
}

// TableName specifies the table name for EloEvent model.
func (EloEvent) TableName() string {
	return "elo_events"
}
