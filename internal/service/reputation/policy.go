package reputation

import (
	"fmt"
	"time"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/models"
)

// Policy is the deterministic mapping from event type to ELO delta, plus the
// bounds the engine enforces around it.
type Policy struct {
	deltas map[models.EloEventType]int

	InitialElo       int
	Floor            int
	HighEloThreshold int
	ReviewRateLimit  int
	ReviewRateWindow time.Duration
}

// NewPolicy builds a policy from configuration. Event types missing from the
// configured table fall back to the stock deltas.
func NewPolicy(cfg *config.ReputationConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	table := config.DefaultDeltas()
	for name, delta := range cfg.Deltas {
		table[name] = delta
	}

	deltas := make(map[models.EloEventType]int, len(table))
	for name, delta := range table {
		eventType, err := models.ParseEloEventType(name)
		if err != nil {
			return nil, err
		}
		deltas[eventType] = delta
	}

	return &Policy{
		deltas:           deltas,
		InitialElo:       cfg.InitialElo,
		Floor:            cfg.Floor,
		HighEloThreshold: cfg.HighEloThreshold,
		ReviewRateLimit:  cfg.ReviewRateLimit,
		ReviewRateWindow: cfg.ReviewRateWindow,
	}, nil
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(&config.ReputationConfig{
		InitialElo:       1000,
		Floor:            0,
		HighEloThreshold: 1400,
		ReviewRateLimit:  10,
		ReviewRateWindow: time.Hour,
		Deltas:           config.DefaultDeltas(),
	})
	if err != nil {
		panic(fmt.Sprintf("default reputation policy is invalid: %v", err))
	}
	return p
}

// Delta returns the policy delta for eventType scaled by units. Units below
// one count as one.
func (p *Policy) Delta(eventType models.EloEventType, units int) (int, error) {
	delta, ok := p.deltas[eventType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", apperr.ErrInvalidEventType, eventType)
	}
	if units < 1 {
		units = 1
	}
	return delta * units, nil
}

// Clamp applies delta to oldElo without going below the floor. It returns the
// new ELO and the delta actually applied.
func (p *Policy) Clamp(oldElo, delta int) (newElo, applied int) {
	newElo = oldElo + delta
	if newElo < p.Floor {
		newElo = p.Floor
	}
	return newElo, newElo - oldElo
}

// QualifiesForApprovalBonus reports whether a reviewer ELO snapshot is high
// enough for its approvals to earn credit.
func (p *Policy) QualifiesForApprovalBonus(reviewerElo int) bool {
	return reviewerElo >= p.HighEloThreshold
}

// Entry is one row of the policy table.
type Entry struct {
	EventType string `yaml:"event_type" json:"event_type"`
	Delta     int    `yaml:"delta" json:"delta"`
}

// Table returns the policy table in taxonomy order.
func (p *Policy) Table() []Entry {
	entries := make([]Entry, 0, len(p.deltas))
	for _, eventType := range models.AllEloEventTypes {
		if delta, ok := p.deltas[eventType]; ok {
			entries = append(entries, Entry{EventType: string(eventType), Delta: delta})
		}
	}
	return entries
}
