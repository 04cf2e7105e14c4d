// Package models defines the persisted domain records of the contribution ledger.
package models

import (
	"time"
)

// Tier is the reputation bracket derived from an agent's ELO.
type Tier string

// Tier constants.
const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Tier boundaries (inclusive lower bounds).
const (
	SilverTierMinElo = 1200
	GoldTierMinElo   = 1600
)

// TierForElo returns the tier for an ELO value.
func TierForElo(elo int) Tier {
	switch {
	case elo >= GoldTierMinElo:
		return TierGold
	case elo >= SilverTierMinElo:
		return TierSilver
	default:
		return TierBronze
	}
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	return t == TierBronze || t == TierSilver || t == TierGold
}

// Agent represents a contributing agent and its cached reputation projection.
// Elo and Tier are written only by the reputation engine.
type Agent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Username   string    `gorm:"uniqueIndex;not null;size:255" json:"username"`
	ExternalID *int64    `gorm:"column:external_id;uniqueIndex" json:"external_id,omitempty"`
	Elo        int       `gorm:"not null" json:"elo"`
	Tier       Tier      `gorm:"size:20;not null" json:"tier"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for Agent model.
func (Agent) TableName() string {
	return "agents"
}
