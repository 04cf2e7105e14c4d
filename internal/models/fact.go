package models

import (
	"time"
)

// ProcessedFact records the natural key of a fact that does not create its own
// uniquely keyed row, so that redelivery is recognised as a duplicate.
type ProcessedFact struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FactType   string    `gorm:"size:50;not null;uniqueIndex:idx_processed_facts_key" json:"fact_type"`
	NaturalKey string    `gorm:"type:text;not null;uniqueIndex:idx_processed_facts_key" json:"natural_key"`
	AgentID    uint      `gorm:"index" json:"agent_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for ProcessedFact model.
func (ProcessedFact) TableName() string {
	return "processed_facts"
}

// DeadLetter is an operator-visible record of a fact that could not be applied.
type DeadLetter struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	FactID     string     `gorm:"type:text;index" json:"fact_id"`
	FactType   string     `gorm:"size:50;not null" json:"fact_type"`
	ErrorClass string     `gorm:"size:30;not null;index" json:"error_class"`
	Reason     string     `gorm:"type:text;not null" json:"reason"`
	Payload    string     `gorm:"type:text" json:"payload"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TableName specifies the table name for DeadLetter model.
func (DeadLetter) TableName() string {
	return "dead_letters"
}
